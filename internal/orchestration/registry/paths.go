package registry

import (
	"fmt"
	"path/filepath"
)

// Registry file names inside a task workspace.
const (
	RegistryFilename = "TASK_REGISTRY"
	SnapshotFilename = "snapshot.db"
	IndexFilename    = "GLOBAL_INDEX"
	indexDirname     = "registry"
)

// Workspace resolves filesystem paths inside the workspace base directory.
// Task workspaces and the global index live under one root; every component
// derives paths through this type so the layout is defined in one place.
type Workspace struct {
	Base string
}

// IndexPath is the global cross-task index file.
func (w Workspace) IndexPath() string {
	return filepath.Join(w.Base, indexDirname, IndexFilename)
}

// TaskDir is the per-task workspace directory.
func (w Workspace) TaskDir(taskID string) string {
	return filepath.Join(w.Base, taskID)
}

// RegistryPath is the per-task authoritative registry file.
func (w Workspace) RegistryPath(taskID string) string {
	return filepath.Join(w.TaskDir(taskID), RegistryFilename)
}

// SnapshotPath is the per-task materialized snapshot database.
func (w Workspace) SnapshotPath(taskID string) string {
	return filepath.Join(w.TaskDir(taskID), SnapshotFilename)
}

// PromptPath is a worker's prompt file.
func (w Workspace) PromptPath(taskID, workerID string) string {
	return filepath.Join(w.TaskDir(taskID), "prompts", workerID+".prompt")
}

// OutputPath is a worker's smart-tee'd output stream.
func (w Workspace) OutputPath(taskID, workerID string) string {
	return filepath.Join(w.TaskDir(taskID), "logs", workerID+".output.jsonl")
}

// DeployLogPath records the spawn parameters for a worker.
func (w Workspace) DeployLogPath(taskID, workerID string) string {
	return filepath.Join(w.TaskDir(taskID), "logs", workerID+".deploy.json")
}

// ProgressPath is a worker's progress stream.
func (w Workspace) ProgressPath(taskID, workerID string) string {
	return filepath.Join(w.TaskDir(taskID), "progress", workerID+".progress.jsonl")
}

// FindingsPath is a worker's findings stream.
func (w Workspace) FindingsPath(taskID, workerID string) string {
	return filepath.Join(w.TaskDir(taskID), "findings", workerID+".findings.jsonl")
}

// HandoverPath is the handover document written when a phase is approved.
func (w Workspace) HandoverPath(taskID string, phaseIndex int) string {
	return filepath.Join(w.TaskDir(taskID), "handover", fmt.Sprintf("phase-%d.md", phaseIndex))
}
