// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package debughttp exposes the state of a pool manager over HTTP, for
// use on a diagnostics port. It must never be exposed publicly: anyone who
// can reach it can close every pool.
package debughttp

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/bufbuild/httppool"
	"github.com/bufbuild/httppool/connpool"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

//nolint:gochecknoglobals
var releaseMode sync.Once

// PoolInfo describes one pool held by the manager.
type PoolInfo struct {
	Key    string `json:"key"`
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	// Idle is the number of idle connections, for the built-in pools.
	Idle *int `json:"idle,omitempty"`
}

// Status is the response to GET /pools.
type Status struct {
	Capacity int        `json:"capacity"`
	Size     int        `json:"size"`
	Pools    []PoolInfo `json:"pools"`
}

// NewHandler returns a handler serving these routes:
//
//	GET    /pools         list pools, least recently used first
//	DELETE /pools         close every pool (Manager.Clear)
//	POST   /pools/expire  close pools that have been idle too long
//
// A nil logger disables request logging.
func NewHandler(mgr *httppool.Manager, logger *zap.Logger) http.Handler {
	releaseMode.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery(), logRequests(logger))

	router.GET("/pools", func(c *gin.Context) {
		c.JSON(http.StatusOK, status(mgr))
	})
	router.DELETE("/pools", func(c *gin.Context) {
		if err := mgr.Clear(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.POST("/pools/expire", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"expired": mgr.ExpireIdle()})
	})
	return router
}

func logRequests(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("diagnostics request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

func status(mgr *httppool.Manager) Status {
	pools := mgr.Pools()
	keys := mgr.Keys()
	infos := make([]PoolInfo, 0, len(keys))
	for _, key := range keys {
		pool, ok := pools[key]
		if !ok {
			// evicted between the two snapshots
			continue
		}
		infos = append(infos, describe(key, pool))
	}
	return Status{
		Capacity: mgr.Capacity(),
		Size:     len(infos),
		Pools:    infos,
	}
}

func describe(key any, pool httppool.Pool) PoolInfo {
	info := PoolInfo{Key: fmt.Sprint(key)}
	if poolKey, ok := key.(httppool.PoolKey); ok {
		info.Scheme, info.Host, info.Port = poolKey.Scheme, poolKey.Host, poolKey.Port
	}
	if connPool, ok := pool.(*connpool.Pool); ok {
		opts := connPool.Options()
		info.Scheme, info.Host, info.Port = opts.Scheme, opts.Host, opts.Port
		idle := connPool.IdleCount()
		info.Idle = &idle
	}
	return info
}
