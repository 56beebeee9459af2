package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"feed-crawler/internal/cache"
	"feed-crawler/internal/crawler"
	"feed-crawler/internal/monitoring"
	"feed-crawler/internal/ranking"
	"feed-crawler/pkg/types"
)

// PostStore is the durable tier as the API reads it.
type PostStore interface {
	GetPostsWithPagination(ctx context.Context, account string, page, pageSize, minLikes int) ([]types.PostRecord, error)
	GetPostsCount(ctx context.Context, account string, minLikes int) (int, error)
	GetPostsForExport(ctx context.Context, account string, minLikes int) ([]types.PostRecord, error)
	GetPostsForRanking(ctx context.Context, account string) ([]types.PostRecord, error)
	GetPost(ctx context.Context, account, postID string) (*types.PostRecord, error)
	GetCrawlStats(ctx context.Context) (map[string]interface{}, error)
	GetEngagementTrends(ctx context.Context, account string) ([]map[string]interface{}, error)
	GetCrawlState(ctx context.Context, account string) (*types.CrawlState, error)
	Ping(ctx context.Context) error
}

// HotReader is the hot tier as the API reads it.
type HotReader interface {
	LoadRanking(ctx context.Context, account string) ([]types.RankingEntry, error)
	DeleteRanking(ctx context.Context, account string) error
	ConsumeProgress(ctx context.Context, taskID string) (*types.CrawlProgress, error)
	Ping(ctx context.Context) error
}

type Crawler interface {
	Crawl(ctx context.Context, req types.CrawlRequest) (*types.BatchResult, error)
}

type Server struct {
	db       PostStore
	hot      HotReader
	crawler  Crawler
	ranker   *ranking.Engine
	monitor  *monitoring.Monitor
	validate *validator.Validate
	logger   *logrus.Logger
	port     string

	// async crawls run under this context so shutdown stops them
	baseCtx context.Context
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Count   int         `json:"count,omitempty"`
}

type PostsResponse struct {
	Posts      []types.PostRecord `json:"posts"`
	TotalCount int                `json:"total_count"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	Filter     *types.FilterStats `json:"filter,omitempty"`
}

func NewServer(db PostStore, hot HotReader, c Crawler, ranker *ranking.Engine, monitor *monitoring.Monitor, logger *logrus.Logger, port string) *Server {
	return &Server{
		db:       db,
		hot:      hot,
		crawler:  c,
		ranker:   ranker,
		monitor:  monitor,
		validate: validator.New(),
		logger:   logger,
		port:     port,
		baseCtx:  context.Background(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %s", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.corsMiddleware(s.handleRoot))
	mux.HandleFunc("POST /api/crawl", s.corsMiddleware(s.handleCrawl))
	mux.HandleFunc("GET /api/progress/{taskId}", s.corsMiddleware(s.handleProgress))
	mux.HandleFunc("GET /api/posts", s.corsMiddleware(s.handlePosts))
	mux.HandleFunc("GET /api/posts/{postId}", s.corsMiddleware(s.handlePost))
	mux.HandleFunc("GET /api/ranking", s.corsMiddleware(s.handleRanking))
	mux.HandleFunc("GET /api/stats", s.corsMiddleware(s.handleStats))
	mux.HandleFunc("GET /api/export/csv", s.corsMiddleware(s.handleExportCSV))
	mux.HandleFunc("GET /api/health", s.corsMiddleware(s.handleHealth))
	return mux
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, "Not found", http.StatusNotFound)
		return
	}
	response := APIResponse{
		Success: true,
		Data: map[string]string{
			"message":   "Feed Crawler API",
			"version":   "1.0.0",
			"endpoints": "/api/crawl, /api/progress/{taskId}, /api/posts, /api/posts/{postId}, /api/ranking, /api/stats, /api/export/csv, /api/health",
		},
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	var req types.CrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, fmt.Sprintf("Invalid crawl request: %v", err), http.StatusBadRequest)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		req.TaskID = uuid.NewString()
		go func() {
			if _, err := s.crawler.Crawl(s.baseCtx, req); err != nil {
				s.logger.WithFields(logrus.Fields{"task_id": req.TaskID, "account": req.Account}).Errorf("Async crawl failed: %v", err)
			}
		}()
		s.writeJSON(w, http.StatusAccepted, APIResponse{
			Success: true,
			Data:    map[string]string{"taskId": req.TaskID},
		})
		return
	}

	result, err := s.crawler.Crawl(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, crawler.ErrAccountBusy):
			status = http.StatusConflict
		case errors.Is(err, crawler.ErrFatal):
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, APIResponse{Success: false, Error: err.Error(), Data: result})
		return
	}

	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: result, Count: result.Collected})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	progress, err := s.hot.ConsumeProgress(r.Context(), taskID)
	if errors.Is(err, cache.ErrNotFound) {
		s.writeError(w, "Unknown or expired task", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read progress: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: progress})
}

// parseFilter reads the in-memory filter; min_likes is applied by the query.
func parseFilter(r *http.Request) *types.PostFilter {
	q := r.URL.Query()
	filter := &types.PostFilter{}
	filter.MinLikes, _ = strconv.Atoi(q.Get("min_likes"))
	filter.MinComments, _ = strconv.Atoi(q.Get("min_comments"))
	filter.MinViews, _ = strconv.Atoi(q.Get("min_views"))
	filter.DaysBack, _ = strconv.Atoi(q.Get("days_back"))
	filter.Keywords = splitList(q.Get("keywords"))
	filter.ExcludeKeywords = splitList(q.Get("exclude"))
	if t, err := time.Parse("2006-01-02", q.Get("start_date")); err == nil {
		filter.StartDate = t
	}
	if t, err := time.Parse("2006-01-02", q.Get("end_date")); err == nil {
		filter.EndDate = t.Add(24*time.Hour - time.Nanosecond)
	}
	return filter
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := r.URL.Query().Get("account")
	if account == "" {
		s.writeError(w, "account is required", http.StatusBadRequest)
		return "", false
	}
	return account, true
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	filter := parseFilter(r)

	posts, err := s.db.GetPostsWithPagination(r.Context(), account, page, pageSize, filter.MinLikes)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to fetch posts: %v", err), http.StatusInternalServerError)
		return
	}

	totalCount, err := s.db.GetPostsCount(r.Context(), account, filter.MinLikes)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to get total count: %v", err), http.StatusInternalServerError)
		return
	}

	filtered, stats := ranking.BatchFilter(posts, filter)
	if filtered == nil {
		filtered = []types.PostRecord{}
	}
	s.logger.WithField("account", account).Debugf("Post filter: %s", stats)

	response := APIResponse{
		Success: true,
		Data: PostsResponse{
			Posts:      filtered,
			TotalCount: totalCount,
			Page:       page,
			PageSize:   pageSize,
			Filter:     &stats,
		},
		Count: len(filtered),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	post, err := s.db.GetPost(r.Context(), account, r.PathValue("postId"))
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to fetch post: %v", err), http.StatusInternalServerError)
		return
	}
	if post == nil {
		s.writeError(w, "Post not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: post})
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	source := "hot"
	entries, err := s.hot.LoadRanking(r.Context(), account)
	if errors.Is(err, cache.ErrNotFound) {
		// snapshot expired or consumed, rank what is stored
		posts, derr := s.db.GetPostsForRanking(r.Context(), account)
		if derr != nil {
			s.writeError(w, fmt.Sprintf("Failed to fetch posts for ranking: %v", derr), http.StatusInternalServerError)
			return
		}
		if len(posts) == 0 {
			s.writeError(w, "No posts stored for account", http.StatusNotFound)
			return
		}
		entries, err = s.ranker.Rank(posts), nil
		source = "durable"
	}
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to load ranking: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Ranking-Source", source)

	if top, _ := strconv.Atoi(r.URL.Query().Get("top")); top > 0 {
		entries = ranking.Top(entries, top)
	}

	// the analysis step consumes the snapshot once it has read it
	if consume, _ := strconv.ParseBool(r.URL.Query().Get("consume")); consume && source == "hot" {
		if err := s.hot.DeleteRanking(r.Context(), account); err != nil {
			s.logger.Warnf("Failed to delete ranking for %s: %v", account, err)
		}
	}

	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: entries, Count: len(entries)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetCrawlStats(r.Context())
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to fetch stats: %v", err), http.StatusInternalServerError)
		return
	}

	if account := r.URL.Query().Get("account"); account != "" {
		state, err := s.db.GetCrawlState(r.Context(), account)
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to fetch crawl state: %v", err), http.StatusInternalServerError)
			return
		}
		stats["crawl_state"] = state

		trends, err := s.db.GetEngagementTrends(r.Context(), account)
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to fetch engagement trends: %v", err), http.StatusInternalServerError)
			return
		}
		if trends == nil {
			trends = []map[string]interface{}{}
		}
		stats["trends"] = trends
	}
	if s.monitor != nil {
		stats["runs"] = s.monitor.GetHealthStatus()
	}

	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: stats})
}

func formatCount(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	filter := parseFilter(r)

	posts, err := s.db.GetPostsForExport(r.Context(), account, filter.MinLikes)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to fetch posts for export: %v", err), http.StatusInternalServerError)
		return
	}
	posts, _ = ranking.BatchFilter(posts, filter)

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_posts_%s.csv", account, time.Now().Format("2006-01-02")))

	// unknown counts are written as empty cells, never 0
	cw := csv.NewWriter(w)
	cw.Write([]string{"Post ID", "Username", "Content", "Likes", "Comments", "Reposts", "Shares", "Views", "Published", "Method", "URL"})
	for _, post := range posts {
		cw.Write([]string{
			post.PostID,
			post.Username,
			post.Content,
			formatCount(post.Likes),
			formatCount(post.Comments),
			formatCount(post.Reposts),
			formatCount(post.Shares),
			formatCount(post.Views),
			post.PublishedDisplay,
			post.ExtractionMethod,
			post.URL,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Errorf("CSV export failed: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.writeError(w, "Database connection failed", http.StatusServiceUnavailable)
		return
	}
	if err := s.hot.Ping(ctx); err != nil {
		s.writeError(w, "Hot store connection failed", http.StatusServiceUnavailable)
		return
	}

	response := APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
			"database":  "connected",
			"hot_store": "connected",
		},
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}
