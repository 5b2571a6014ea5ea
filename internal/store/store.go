// Package store provides task and todo-list persistence behind the storage
// boundary the scheduler depends on.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sevir/capataz/pkg/models"
)

// Storage is the persistence contract the scheduler talks to. The scheduler
// never touches files or databases directly.
type Storage interface {
	SaveTask(task *models.Task) error
	GetTask(id string) (*models.Task, error)
	ListTasks() ([]*models.Task, error)
	UpdateTaskStatus(id string, status models.TaskStatus) error
	AddTaskMessage(id string, msg models.Message) error
	GetTodosForTask(id string) ([]models.TodoItem, error)
	SaveTodosForTask(id string, todos []models.TodoItem) error
	Close() error
}

// FileStore implements Storage using a JSON file for persistence.
type FileStore struct {
	path    string
	tasks   map[string]*models.Task
	mu      sync.RWMutex
	dirty   bool
	closeCh chan struct{}
}

// NewFileStore creates a new file-based store.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		path:    path,
		tasks:   make(map[string]*models.Task),
		closeCh: make(chan struct{}),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	// Start background saver
	go fs.backgroundSaver()

	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var tasks map[string]*models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}

	fs.tasks = tasks
	return nil
}

func (fs *FileStore) save() error {
	fs.mu.RLock()
	data, err := json.MarshalIndent(fs.tasks, "", "  ")
	fs.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (fs *FileStore) backgroundSaver() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.RLock()
			dirty := fs.dirty
			fs.mu.RUnlock()

			if dirty {
				if err := fs.save(); err == nil {
					fs.mu.Lock()
					fs.dirty = false
					fs.mu.Unlock()
				}
			}
		case <-fs.closeCh:
			fs.save()
			return
		}
	}
}

// SaveTask stores or updates a task. The store keeps its own copy so later
// mutation of the caller's value never reaches the persisted state.
func (fs *FileStore) SaveTask(task *models.Task) error {
	clone := task.Clone()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.tasks[clone.ID] = clone
	fs.dirty = true

	return nil
}

// GetTask retrieves a copy of a task by ID.
func (fs *FileStore) GetTask(id string) (*models.Task, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	task, exists := fs.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", id)
	}

	return task.Clone(), nil
}

// ListTasks returns copies of all stored tasks, newest first.
func (fs *FileStore) ListTasks() ([]*models.Task, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	result := make([]*models.Task, 0, len(fs.tasks))
	for _, task := range fs.tasks {
		result = append(result, task.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// UpdateTaskStatus updates only the status of a task.
func (fs *FileStore) UpdateTaskStatus(id string, status models.TaskStatus) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	task, exists := fs.tasks[id]
	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}

	task.Status = status
	fs.dirty = true

	return nil
}

// AddTaskMessage appends a message to a task's transcript.
func (fs *FileStore) AddTaskMessage(id string, msg models.Message) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	task, exists := fs.tasks[id]
	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}

	task.Messages = append(task.Messages, msg)
	fs.dirty = true

	return nil
}

// GetTodosForTask returns a task's checklist.
func (fs *FileStore) GetTodosForTask(id string) ([]models.TodoItem, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	task, exists := fs.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", id)
	}

	todos := make([]models.TodoItem, len(task.Todos))
	copy(todos, task.Todos)
	return todos, nil
}

// SaveTodosForTask replaces a task's checklist.
func (fs *FileStore) SaveTodosForTask(id string, todos []models.TodoItem) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	task, exists := fs.tasks[id]
	if !exists {
		return fmt.Errorf("task not found: %s", id)
	}

	task.Todos = make([]models.TodoItem, len(todos))
	copy(task.Todos, todos)
	fs.dirty = true

	return nil
}

// Close stops the background saver and performs final save.
func (fs *FileStore) Close() error {
	close(fs.closeCh)
	return nil
}

// ForceSave immediately persists all tasks to disk.
func (fs *FileStore) ForceSave() error {
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()
	return fs.save()
}
