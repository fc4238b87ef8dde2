package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/service"
)

// params assembles the pipeline parameters for one request. Query values
// stay strings; services interpret them.
func (s *Server) params(c *gin.Context) service.Params {
	query := make(map[string]any)
	for key, vals := range c.Request.URL.Query() {
		if len(vals) == 1 {
			query[key] = vals[0]
		} else {
			query[key] = vals
		}
	}
	headers := make(map[string]string)
	if authz := c.GetHeader("Authorization"); authz != "" {
		headers["authorization"] = authz
	}
	return service.Params{
		Tenant:   tenantFrom(c),
		Query:    query,
		Provider: "rest",
		Headers:  headers,
	}
}

func (s *Server) resolve(c *gin.Context) (*service.RegisteredService, bool) {
	svc, err := s.app.Service(c.Param("service"))
	if err != nil {
		renderError(c, err)
		return nil, false
	}
	return svc, true
}

func bindBody(c *gin.Context) (any, bool) {
	var data any
	if err := c.ShouldBindJSON(&data); err != nil {
		renderError(c, errdefs.BadRequest("invalid request body").WithSource(err))
		return nil, false
	}
	return data, true
}

func (s *Server) handleFind(c *gin.Context) {
	svc, ok := s.resolve(c)
	if !ok {
		return
	}
	out, err := svc.Find(c.Request.Context(), s.params(c))
	if err != nil {
		renderError(c, err)
		return
	}
	if out == nil {
		out = []any{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGet(c *gin.Context) {
	svc, ok := s.resolve(c)
	if !ok {
		return
	}
	out, err := svc.Get(c.Request.Context(), c.Param("id"), s.params(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreate(c *gin.Context) {
	svc, ok := s.resolve(c)
	if !ok {
		return
	}
	data, ok := bindBody(c)
	if !ok {
		return
	}
	out, err := svc.Create(c.Request.Context(), data, s.params(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) handleUpdate(c *gin.Context) {
	svc, ok := s.resolve(c)
	if !ok {
		return
	}
	data, ok := bindBody(c)
	if !ok {
		return
	}
	out, err := svc.Update(c.Request.Context(), c.Param("id"), data, s.params(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePatch(c *gin.Context) {
	svc, ok := s.resolve(c)
	if !ok {
		return
	}
	data, ok := bindBody(c)
	if !ok {
		return
	}
	out, err := svc.Patch(c.Request.Context(), c.Param("id"), data, s.params(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRemove(c *gin.Context) {
	svc, ok := s.resolve(c)
	if !ok {
		return
	}
	out, err := svc.Remove(c.Request.Context(), c.Param("id"), s.params(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
