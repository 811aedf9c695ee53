package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/ragline/internal/models"
	"github.com/mkarlsen/ragline/pkg/engine"
	"github.com/mkarlsen/ragline/pkg/loader"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

// Message is the websocket envelope in both directions.
type Message struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type ServerConfig struct {
	Addr           string
	Streaming      bool
	CrawlMaxDepth  int
	CrawlRateLimit float64
	Logger         *logrus.Logger
}

// Server exposes the pipeline over JSON endpoints and a websocket chat
// channel.
type Server struct {
	engine *engine.Engine
	files  *loader.FileLoader
	config ServerConfig
	logger *logrus.Logger
}

func NewServer(e *engine.Engine, config ServerConfig) (*Server, error) {
	if e == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.CrawlMaxDepth == 0 {
		config.CrawlMaxDepth = 3
	}
	if config.CrawlRateLimit == 0 {
		config.CrawlRateLimit = 2.0
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Server{
		engine: e,
		files:  loader.NewFileLoader(config.Logger),
		config: config,
		logger: config.Logger,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) Run() error {
	s.logger.WithField("addr", s.config.Addr).Info("starting server")
	return http.ListenAndServe(s.config.Addr, s.Handler())
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Query == "" {
		httpError(w, http.StatusBadRequest, "query is required")
		return
	}

	resp, err := s.engine.Query(r.Context(), req.Query, req.SessionID)
	if err != nil {
		s.logger.WithError(err).Error("query failed")
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestRequest struct {
	Documents []models.Document `json:"documents,omitempty"`
	URL       string            `json:"url,omitempty"`
	Path      string            `json:"path,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	docs := req.Documents
	if req.URL != "" {
		web, err := loader.NewWebLoader(loader.WebLoaderConfig{
			BaseURL:   req.URL,
			MaxDepth:  s.config.CrawlMaxDepth,
			RateLimit: s.config.CrawlRateLimit,
			Logger:    s.logger,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid url: %v", err))
			return
		}
		crawled, err := web.Load(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, fmt.Sprintf("crawl failed: %v", err))
			return
		}
		docs = append(docs, crawled...)
	}
	if req.Path != "" {
		loaded, err := s.files.Load(req.Path)
		if err != nil {
			httpError(w, http.StatusBadRequest, fmt.Sprintf("load failed: %v", err))
			return
		}
		docs = append(docs, loaded...)
	}
	if len(docs) == 0 {
		httpError(w, http.StatusBadRequest, "nothing to ingest")
		return
	}

	result, err := s.engine.Ingest(r.Context(), docs)
	if err != nil {
		s.logger.WithError(err).Error("ingest failed")
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httpError(w, http.StatusMethodNotAllowed, "DELETE required")
		return
	}
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.IDs) == 0 {
		httpError(w, http.StatusBadRequest, "ids are required")
		return
	}

	if err := s.engine.DeleteDocuments(r.Context(), req.IDs); err != nil {
		s.logger.WithError(err).Error("delete failed")
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": req.IDs})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Info(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendMessage(conn, Message{Type: "error", Content: fmt.Sprintf("invalid message: %v", err)})
			continue
		}
		s.handleMessage(r, conn, msg)
	}
}

func (s *Server) handleMessage(r *http.Request, conn *websocket.Conn, msg Message) {
	query := msg.Content

	// A URL in the message triggers an ingest of that site first.
	if url := urlRegex.FindString(query); url != "" {
		s.sendMessage(conn, Message{Type: "status", Content: fmt.Sprintf("Ingesting %s", url)})

		var crawled int32
		web, err := loader.NewWebLoader(loader.WebLoaderConfig{
			BaseURL:   url,
			MaxDepth:  s.config.CrawlMaxDepth,
			RateLimit: s.config.CrawlRateLimit,
			Logger:    s.logger,
			OnProgress: func(string) {
				n := atomic.AddInt32(&crawled, 1)
				s.sendMessage(conn, Message{Type: "progress", Content: fmt.Sprintf("Crawled %d pages", n)})
			},
		})
		if err != nil {
			s.sendMessage(conn, Message{Type: "error", Content: fmt.Sprintf("invalid url: %v", err)})
			return
		}
		docs, err := web.Load(r.Context())
		if err != nil {
			s.sendMessage(conn, Message{Type: "error", Content: fmt.Sprintf("crawl failed: %v", err)})
			return
		}
		result, err := s.engine.Ingest(r.Context(), docs)
		if err != nil {
			s.sendMessage(conn, Message{Type: "error", Content: fmt.Sprintf("ingest failed: %v", err)})
			return
		}
		s.sendMessage(conn, Message{
			Type:    "status",
			Content: fmt.Sprintf("Ingested %d documents (%d chunks)", result.Processed, result.Chunks),
			Data:    result,
		})
		return
	}

	if s.config.Streaming {
		fragments, done := s.engine.QueryStream(r.Context(), query, msg.SessionID)
		for fragment := range fragments {
			s.sendMessage(conn, Message{Type: "stream", Content: fragment})
		}
		result := <-done
		if result.Err != nil {
			s.sendMessage(conn, Message{Type: "error", Content: result.Err.Error()})
			return
		}
		s.sendMessage(conn, Message{Type: "response", Content: result.Response.Answer, Data: result.Response})
		return
	}

	resp, err := s.engine.Query(r.Context(), query, msg.SessionID)
	if err != nil {
		s.sendMessage(conn, Message{Type: "error", Content: err.Error()})
		return
	}
	s.sendMessage(conn, Message{Type: "response", Content: resp.Answer, Data: resp})
}

func (s *Server) sendMessage(conn *websocket.Conn, msg Message) {
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.WithError(err).Error("failed to send websocket message")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
