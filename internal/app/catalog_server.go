package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"md-recorder/internal/catalog"
)

// startCatalogServer 暴露键到最终文件路径的查询接口，
// 供下游消费方在收尾前就能定位文件做实时跟读。
func startCatalogServer(ctx context.Context, svc *catalog.Service, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/paths", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.URL.Query().Get("key"))
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}

		path, err := svc.ResolvePath(r.Context(), key)
		if errors.Is(err, catalog.ErrUnknownKey) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"key": key, "path": path}); err != nil {
			logger.Warn("写入路径查询响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/orphans", func(w http.ResponseWriter, r *http.Request) {
		recordings, err := svc.ListUnfinalized(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(recordings); err != nil {
			logger.Warn("写入未收尾列表响应失败", zap.Error(err))
		}
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭目录查询服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("目录查询服务异常", zap.Error(err))
		}
	}()

	logger.Info("目录查询接口已启动", zap.String("addr", addr))
	return nil
}
