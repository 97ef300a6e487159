package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool {
			return true // the HTTP surface is CORS-open as well
		},
	}

	// logBroadcast receives every log record once the server is running.
	// broadcastLogHandler never blocks on it.
	logBroadcast = make(chan LogMessage, 1000)
)

type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// WSMessage is the envelope sent to /ws/artifacts clients
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ArtifactsSnapshot is the artifact cache as pushed to websocket clients
type ArtifactsSnapshot struct {
	Artifacts map[string]ArtifactEntry `json:"artifacts"`
	Timestamp time.Time                `json:"timestamp"`
}

// clientWrapper wraps a websocket connection with a write mutex to ensure thread-safe writes
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cw *clientWrapper) writeJSON(v interface{}) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.conn.WriteJSON(v)
}

// clientSet is a set of websocket clients that all receive the same messages
type clientSet struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*clientWrapper
}

func newClientSet() *clientSet {
	return &clientSet{clients: make(map[*websocket.Conn]*clientWrapper)}
}

func (s *clientSet) add(conn *websocket.Conn) *clientWrapper {
	wrapper := &clientWrapper{conn: conn}
	s.mu.Lock()
	s.clients[conn] = wrapper
	s.mu.Unlock()
	return wrapper
}

func (s *clientSet) remove(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}

func (s *clientSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// send writes msg to every client and drops the ones that fail
func (s *clientSet) send(msg interface{}) {
	s.mu.RLock()
	var failedClients []*websocket.Conn
	for conn, wrapper := range s.clients {
		if err := wrapper.writeJSON(msg); err != nil {
			failedClients = append(failedClients, conn)
		}
	}
	s.mu.RUnlock()

	if len(failedClients) > 0 {
		s.mu.Lock()
		for _, conn := range failedClients {
			if wrapper, exists := s.clients[conn]; exists {
				wrapper.conn.Close()
				delete(s.clients, conn)
			}
		}
		s.mu.Unlock()
	}
}

// eventHub streams log lines to /ws/logs and artifact cache changes to
// /ws/artifacts. The cache file is watched with fsnotify; polling is the fallback.
type eventHub struct {
	logs      *clientSet
	artifacts *clientSet
	cacheDir  string
	logger    *slog.Logger

	startOnce sync.Once
	done      chan struct{}
}

func newEventHub(cacheDir string, logger *slog.Logger) *eventHub {
	return &eventHub{
		logs:      newClientSet(),
		artifacts: newClientSet(),
		cacheDir:  cacheDir,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the background goroutines once
func (h *eventHub) Start() {
	h.startOnce.Do(func() {
		go h.logBroadcastManager()
		go h.artifactMonitor()
	})
}

// Stop ends the background goroutines
func (h *eventHub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *eventHub) logBroadcastManager() {
	for {
		select {
		case <-h.done:
			return
		case logMsg := <-logBroadcast:
			h.logs.send(logMsg)
		}
	}
}

// handleLogs streams log records to one websocket client
func (h *eventHub) handleLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(fmt.Sprintf("Logs WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	wrapper := h.logs.add(conn)
	defer h.logs.remove(conn)

	_ = wrapper.writeJSON(LogMessage{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     "INFO",
		Message:   "Log streaming connected successfully",
	})

	h.readUntilClosed(conn, "Logs")
}

// handleArtifacts sends the artifact cache on connect and again on every change
func (h *eventHub) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(fmt.Sprintf("Artifacts WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	wrapper := h.artifacts.add(conn)
	defer h.artifacts.remove(conn)

	_ = wrapper.writeJSON(WSMessage{Type: "artifacts", Data: h.snapshot()})

	h.readUntilClosed(conn, "Artifacts")
}

func (h *eventHub) readUntilClosed(conn *websocket.Conn, name string) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug(fmt.Sprintf("%s WebSocket error: %v", name, err))
			}
			return
		}
	}
}

// snapshot re-reads artifacts.json from disk so changes made by other
// processes sharing the cache directory are visible too
func (h *eventHub) snapshot() ArtifactsSnapshot {
	snapshot := ArtifactsSnapshot{Artifacts: map[string]ArtifactEntry{}, Timestamp: time.Now()}

	cache, err := loadArtifactCache(h.cacheDir)
	if err != nil {
		return snapshot
	}
	cache.mu.Lock()
	for key, entry := range cache.Artifacts {
		snapshot.Artifacts[key] = entry
	}
	cache.mu.Unlock()
	return snapshot
}

func (h *eventHub) broadcastArtifacts() {
	if h.artifacts.len() == 0 {
		return
	}
	h.artifacts.send(WSMessage{Type: "artifacts", Data: h.snapshot()})
}

// isArtifactCacheEvent reports whether event touched artifacts.json. The
// cache is rewritten through a rename, so Create and Rename count as writes.
func isArtifactCacheEvent(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != artifactCacheFile {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0
}

func (h *eventHub) artifactMonitor() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		h.logger.Debug(fmt.Sprintf("Failed to create file watcher, falling back to polling: %v", err))
		h.artifactMonitorFallback()
		return
	}
	defer watcher.Close()

	_ = os.MkdirAll(h.cacheDir, 0o755)
	if err := watcher.Add(h.cacheDir); err != nil {
		h.logger.Debug(fmt.Sprintf("Failed to watch cache directory, falling back to polling: %v", err))
		h.artifactMonitorFallback()
		return
	}

	var debounceTimer *time.Timer
	const debounceDuration = 200 * time.Millisecond

	for {
		select {
		case <-h.done:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isArtifactCacheEvent(event) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, h.broadcastArtifacts)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Debug(fmt.Sprintf("File watcher error: %v", err))
		}
	}
}

func (h *eventHub) artifactMonitorFallback() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	path := filepath.Join(h.cacheDir, artifactCacheFile)
	var lastModTime time.Time

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastModTime) {
				lastModTime = info.ModTime()
				h.broadcastArtifacts()
			}
		}
	}
}
