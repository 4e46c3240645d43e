package tasks

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/kibossChangole/paideia-server/internal/services"
)

// Mailer sends operational alert emails. Satisfied by services.EmailService.
type Mailer interface {
	AlertReconciliationMiss(opsEmail, checkoutRequestID, receipt string, amount float64) error
}

// Deps carries the services task handlers can use. The worker builds one at
// startup and passes it to every execution.
type Deps struct {
	DB         *gorm.DB
	Settlement *services.SettlementService
	Firebase   *services.FirebaseClients
	Email      Mailer
	OpsEmail   string
	PendingTTL int // seconds; pending payments older than this are expired
}

// TaskHandler is the function signature for a task handler. It takes the
// shared dependencies and the task's stored arguments, and returns a result
// map recorded in the task history.
type TaskHandler func(ctx context.Context, deps *Deps, args map[string]interface{}) (map[string]interface{}, error)

// Registry stores the mapping of task names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// GlobalRegistry is the default global registry
var GlobalRegistry = &Registry{
	handlers: make(map[string]TaskHandler),
}

// Register adds a handler for a task name
func (r *Registry) Register(name string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Get retrieves a handler for a task name
func (r *Registry) Get(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// RegisterHandler is a helper to register to the global registry
func RegisterHandler(name string, handler TaskHandler) {
	GlobalRegistry.Register(name, handler)
}

// GetHandler is a helper to get from the global registry
func GetHandler(name string) (TaskHandler, bool) {
	return GlobalRegistry.Get(name)
}
