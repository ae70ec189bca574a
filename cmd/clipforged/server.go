package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/clipforge/clipforge/pkg/core/tasks"
	"github.com/clipforge/clipforge/pkg/core/workers"
	"github.com/clipforge/clipforge/pkg/infrastructure/logging"
	"github.com/clipforge/clipforge/pkg/orchestrator"
)

// APIResponse is the common envelope for JSON responses
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// submitRequest is the wire form of a task submission
type submitRequest struct {
	Type       string            `json:"type"`
	Payload    json.RawMessage   `json:"payload"`
	Priority   string            `json:"priority"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// wsFrame is one message on the websocket event stream
type wsFrame struct {
	Frame string      `json:"frame"` // "task_event" or "stats"
	Data  interface{} `json:"data"`
}

type apiServer struct {
	orch *orchestrator.Orchestrator
	log  *logging.Logger

	upgrader      websocket.Upgrader
	clientsMu     sync.RWMutex
	clients       map[*websocket.Conn]chan wsFrame
	statsInterval time.Duration
	stopCh        chan struct{}
	closeOnce     sync.Once
}

func newAPIServer(orch *orchestrator.Orchestrator, logger *logging.Logger, statsInterval time.Duration) *apiServer {
	if statsInterval <= 0 {
		statsInterval = 5 * time.Second
	}
	s := &apiServer{
		orch: orch,
		log:  logger.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:       make(map[*websocket.Conn]chan wsFrame),
		statsInterval: statsInterval,
		stopCh:        make(chan struct{}),
	}

	orch.AddListener(func(e tasks.Event) {
		s.broadcast(wsFrame{Frame: "task_event", Data: e})
	})
	go s.statsLoop()
	return s
}

func (s *apiServer) router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/tasks", s.handleSubmitTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/retry", s.handleRetryTask).Methods("POST")

	api.HandleFunc("/pools", s.handleGetPools).Methods("GET")
	api.HandleFunc("/pools", s.handleCreatePool).Methods("POST")
	api.HandleFunc("/pools/{id}/scale", s.handleScalePool).Methods("POST")
	api.HandleFunc("/pools/{id}", s.handleTerminatePool).Methods("DELETE")

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/report", s.handleReport).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/ws", s.handleWebSocket)
	return r
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, APIResponse{Success: false, Error: err.Error()})
}

// decodePayload maps the raw payload onto the concrete type for the
// declared task kind
func decodePayload(t tasks.TaskType, raw json.RawMessage) (tasks.TaskPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	switch t {
	case tasks.TypeVideoProcessing:
		var p tasks.VideoPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case tasks.TypeImageProcessing:
		var p tasks.ImagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case tasks.TypeCompression:
		var p tasks.CompressionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case tasks.TypeAnalysis:
		var p tasks.AnalysisPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown task type %q", t)
	}
}

func (s *apiServer) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	taskType := tasks.TaskType(req.Type)
	payload, err := decodePayload(taskType, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	priority, err := tasks.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.orch.SubmitTask(tasks.SubmitSpec{
		Type:       taskType,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: req.MaxRetries,
		Metadata:   req.Metadata,
	})
	if err != nil {
		status := http.StatusBadRequest
		switch err.(type) {
		case *tasks.QueueFullError:
			status = http.StatusTooManyRequests
		case *tasks.PoolNotFoundError:
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, APIResponse{Success: true, Data: map[string]string{"task_id": id}})
}

func (s *apiServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, ok := s.orch.QueryStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, tasks.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: task})
}

func (s *apiServer) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled := s.orch.Cancel(id)
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]bool{"cancelled": cancelled}})
}

func (s *apiServer) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	retried := s.orch.Retry(id)
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]bool{"retried": retried}})
}

func (s *apiServer) handleGetPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.orch.PoolSnapshots()})
}

func (s *apiServer) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		TaskType     string `json:"task_type"`
		MinWorkers   int    `json:"min_workers"`
		MaxWorkers   int    `json:"max_workers"`
		MaxQueueSize int    `json:"max_queue_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	cfg := workers.PoolConfig{
		MinWorkers:   req.MinWorkers,
		MaxWorkers:   req.MaxWorkers,
		MaxQueueSize: req.MaxQueueSize,
	}
	if err := s.orch.CreatePool(req.Name, tasks.TaskType(req.TaskType), cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: map[string]string{"pool": req.Name}})
}

func (s *apiServer) handleScalePool(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		TargetSize int `json:"target_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	size, err := s.orch.ScalePool(id, req.TargetSize)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]int{"size": size}})
}

func (s *apiServer) handleTerminatePool(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.TerminatePool(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	data, err := s.orch.ExportStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *apiServer) handleReport(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if v := r.URL.Query().Get("events"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			tail = n
		}
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.orch.GenerateReport(tail)})
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if v := r.URL.Query().Get("n"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			tail = n
		}
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.orch.Events().Tail(tail)})
}

func (s *apiServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan wsFrame, 64)
	s.clientsMu.Lock()
	s.clients[conn] = ch
	s.clientsMu.Unlock()

	go s.writeLoop(conn, ch)

	// Drain reads to notice disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropClient(conn)
				return
			}
		}
	}()
}

func (s *apiServer) writeLoop(conn *websocket.Conn, ch chan wsFrame) {
	for frame := range ch {
		if err := conn.WriteJSON(frame); err != nil {
			s.dropClient(conn)
			return
		}
	}
	conn.Close()
}

func (s *apiServer) dropClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if ch, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		close(ch)
	}
	s.clientsMu.Unlock()
	conn.Close()
}

// broadcast fans a frame out to every connected client without
// blocking: slow clients drop frames rather than stalling the registry
func (s *apiServer) broadcast(frame wsFrame) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (s *apiServer) statsLoop() {
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.broadcast(wsFrame{Frame: "stats", Data: s.orch.Health().Stats()})
		}
	}
}

func (s *apiServer) close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.clientsMu.Lock()
		for conn, ch := range s.clients {
			delete(s.clients, conn)
			close(ch)
			conn.Close()
		}
		s.clientsMu.Unlock()
	})
}
