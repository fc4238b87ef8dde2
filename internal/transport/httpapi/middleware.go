package httpapi

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/tenant"
)

const (
	headerTenantID  = "X-Tenant-ID"
	headerRequestID = "X-Request-ID"

	ctxTenantKey = "keel.tenant"
)

// requestContext builds the tenant context every handler below /v1 runs
// on. The tenant header is mandatory; the request id is minted when the
// caller sends none and always echoed back.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(headerTenantID))
		if tenantID == "" {
			renderError(c, errdefs.BadRequest("missing X-Tenant-ID header"))
			c.Abort()
			return
		}
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		tc := tenant.New(tenantID).WithRequestID(requestID)
		if authz := c.GetHeader("Authorization"); authz != "" {
			tc = tc.WithHeader("authorization", authz)
		}

		c.Header(headerRequestID, requestID)
		c.Set(ctxTenantKey, tc)
		c.Request = c.Request.WithContext(tenant.Inject(c.Request.Context(), tc))
		c.Next()
	}
}

func tenantFrom(c *gin.Context) tenant.Context {
	v, _ := c.Get(ctxTenantKey)
	tc, _ := v.(tenant.Context)
	return tc
}

// observeRequests records count, latency and inflight per route.
func (s *Server) observeRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		s.metrics.APIInflight.Inc()
		c.Next()
		s.metrics.APIInflight.Dec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.APIRequests.Inc(c.Request.Method, route, strconv.Itoa(c.Writer.Status()))
		s.metrics.APILatency.Observe(time.Since(start).Seconds(), c.Request.Method, route)
	}
}
