package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"candlefetch/internal/market"
	"candlefetch/internal/provider"

	"github.com/gin-gonic/gin"
)

// HTTPServer 提供任务管理与数据查询接口。
type HTTPServer struct {
	addr    string
	runner  *Runner
	store   *Store
	catalog *Catalog
	hub     *Hub
	router  *gin.Engine
}

type HTTPConfig struct {
	Addr    string
	Runner  *Runner
	Store   *Store
	Catalog *Catalog
	Hub     *Hub
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Runner == nil || cfg.Store == nil {
		return nil, errors.New("runner/store 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":3010"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{
		addr:    cfg.Addr,
		runner:  cfg.Runner,
		store:   cfg.Store,
		catalog: cfg.Catalog,
		hub:     cfg.Hub,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *HTTPServer) registerRoutes() {
	api := s.router.Group("/api")
	api.POST("/jobs", s.handleSubmit)
	api.GET("/jobs", s.handleList)
	api.GET("/jobs/:id", s.handleGet)
	api.DELETE("/jobs/:id", s.handleDelete)
	api.GET("/jobs/stream", s.handleStream)
	api.GET("/download/:id", s.handleDownload)
	api.GET("/data", s.handleData)
	api.GET("/series/:id", s.handleSeries)
	api.GET("/resolutions", s.handleResolutions)
	api.GET("/exchanges", s.handleExchanges)
	api.GET("/symbols", s.handleSymbols)
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *HTTPServer) handleSubmit(c *gin.Context) {
	var req struct {
		Platform  string `json:"platform"`
		Symbol    string `json:"symbol" binding:"required"`
		PeriodID  string `json:"period_id" binding:"required"`
		Start     int64  `json:"start"`
		End       int64  `json:"end"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := parseJobTime(req.Start, req.StartDate, false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("start: %v", err)})
		return
	}
	end, err := parseJobTime(req.End, req.EndDate, true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("end: %v", err)})
		return
	}
	job, err := s.runner.Submit(c.Request.Context(), Spec{
		Platform: req.Platform,
		Symbol:   req.Symbol,
		PeriodID: req.PeriodID,
		Start:    start,
		End:      end,
	})
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// parseJobTime 接受毫秒时间戳、YYYY-MM-DD 或 RFC3339。
// 纯日期作为结束时间时扩展到当日结束（次日零点，区间右开）。
func parseJobTime(ms int64, date string, endOfDay bool) (int64, error) {
	if ms != 0 {
		return ms, nil
	}
	if date == "" {
		return 0, errors.New("缺少时间参数")
	}
	if t, err := time.ParseInLocation("2006-01-02", date, time.UTC); err == nil {
		if endOfDay {
			t = t.AddDate(0, 0, 1)
		}
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("无法解析时间 %q", date)
}

func (s *HTTPServer) handleList(c *gin.Context) {
	jobs, err := s.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *HTTPServer) handleGet(c *gin.Context) {
	job, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *HTTPServer) handleDelete(c *gin.Context) {
	if err := s.runner.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.renderStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *HTTPServer) handleStream(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "事件流未启用"})
		return
	}
	s.hub.HandleWebSocket(c.Writer, c.Request)
}

// handleDownload 以附件形式下发任务产出的 CSV。
func (s *HTTPServer) handleDownload(c *gin.Context) {
	job, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderStoreErr(c, err)
		return
	}
	// 未完成或没有产出文件的任务对下载方视同不存在
	if job.Status != StatusCompleted || job.FilePath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务尚未完成或无产出文件"})
		return
	}
	name := filepath.Base(job.FilePath)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Content-Type", "text/csv")
	c.File(job.FilePath)
}

func (s *HTTPServer) handleData(c *gin.Context) {
	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据目录未启用"})
		return
	}
	files, err := s.catalog.List(c.Request.Context(), c.Query("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if files == nil {
		files = []SeriesFile{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *HTTPServer) handleSeries(c *gin.Context) {
	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据目录未启用"})
		return
	}
	file, err := s.catalog.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		// 任务存在但尚未产出目录项时给 409，彻底不存在才是 404。
		if job, jerr := s.store.Get(c.Request.Context(), c.Param("id")); jerr == nil && job.Status != StatusCompleted {
			c.JSON(http.StatusConflict, gin.H{"error": "任务尚未完成"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "series not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	gaps, err := file.Gaps()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	f, err := os.Open(file.FilePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	bars, err := market.ReadCSV(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if bars == nil {
		bars = []market.Bar{}
	}
	c.JSON(http.StatusOK, gin.H{"file": file, "gaps": gaps, "bars": bars})
}

func (s *HTTPServer) handleResolutions(c *gin.Context) {
	p, ok := s.runner.Provider(c.Query("platform"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知平台"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"platform": p.Name(), "resolutions": p.Resolutions()})
}

func (s *HTTPServer) handleExchanges(c *gin.Context) {
	meta, ok := s.metaProvider(c.Query("platform"))
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "该平台不支持交易所查询"})
		return
	}
	exchanges, err := meta.Exchanges(c.Request.Context())
	if err != nil {
		s.renderProviderErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": exchanges})
}

func (s *HTTPServer) handleSymbols(c *gin.Context) {
	meta, ok := s.metaProvider(c.Query("platform"))
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "该平台不支持交易对查询"})
		return
	}
	symbols, err := meta.Symbols(c.Request.Context(), c.Query("search"), c.Query("exchange"))
	if err != nil {
		s.renderProviderErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols})
}

func (s *HTTPServer) metaProvider(platform string) (provider.MetaProvider, bool) {
	p, ok := s.runner.Provider(platform)
	if !ok {
		return nil, false
	}
	meta, ok := p.(provider.MetaProvider)
	return meta, ok
}

func (s *HTTPServer) renderStoreErr(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if errors.Is(err, ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *HTTPServer) renderProviderErr(c *gin.Context, err error) {
	if pe := provider.AsError(err); pe != nil {
		status := http.StatusBadGateway
		switch pe.Kind {
		case provider.KindAuth:
			status = http.StatusUnauthorized
		case provider.KindRateLimit:
			status = http.StatusTooManyRequests
		case provider.KindNotFound:
			status = http.StatusNotFound
		case provider.KindInvalidArg:
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": pe.Error()})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

// Handler 暴露路由用于测试。
func (s *HTTPServer) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
