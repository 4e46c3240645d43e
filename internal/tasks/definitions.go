package tasks

// DefineTasks registers all available tasks
func DefineTasks() {
	RegisterHandler(ReconcileCallbackTask.TaskID(), ReconcileCallbackTask.HandleExecution)
	RegisterHandler(ExpirePendingTask.TaskID(), ExpirePendingTask.HandleExecution)
	RegisterHandler(NotifyPaymentTask.TaskID(), NotifyPaymentTask.HandleExecution)
}
