package workflow

import "sync"

// ExecutorCache хранит executor'ы run'ов, обрабатываемых через sticky очередь.
//
// Кэш ничего не вытесняет сам: запись удаляется только через Remove.
// Доступ к map защищён мьютексом, но одновременная обработка двух задач
// одного run'а не допускается вызывающим кодом: оркестратор выдаёт
// не больше одной workflow задачи на run.
type ExecutorCache struct {
	mu        sync.Mutex
	executors map[string]Executor
}

// NewExecutorCache создаёт пустой кэш.
func NewExecutorCache() *ExecutorCache {
	return &ExecutorCache{executors: make(map[string]Executor)}
}

// Add сохраняет executor run'а, заменяя предыдущий.
func (c *ExecutorCache) Add(runID string, executor Executor) {
	c.mu.Lock()
	c.executors[runID] = executor
	c.mu.Unlock()
}

// Contains проверяет наличие run'а.
func (c *ExecutorCache) Contains(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.executors[runID]
	return ok
}

// Get возвращает executor run'а.
func (c *ExecutorCache) Get(runID string) (Executor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	executor, ok := c.executors[runID]
	return executor, ok
}

// Remove удаляет run. Отсутствующий run — no-op.
func (c *ExecutorCache) Remove(runID string) {
	c.mu.Lock()
	delete(c.executors, runID)
	c.mu.Unlock()
}

// Len возвращает количество закэшированных run'ов.
func (c *ExecutorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.executors)
}
