package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"bioact-main/src/internal/archive"
	"bioact-main/src/internal/faults"
	"bioact-main/src/internal/gateway"
	"bioact-main/src/internal/model"
	"bioact-main/src/internal/pipeline"
	"bioact-main/src/internal/result"

	"github.com/gin-gonic/gin"
)

type predictResponse struct {
	RunID             string              `json:"run_id"`
	Count             int                 `json:"count"`
	Target            string              `json:"target,omitempty"`
	DescriptorColumns int                 `json:"descriptor_columns"`
	FeatureShape      [2]int              `json:"feature_shape"`
	Imputed           int                 `json:"imputed"`
	Predictions       []result.Prediction `json:"predictions"`
	Download          string              `json:"download,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Stage string `json:"stage,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

// statusFor maps a pipeline failure onto an HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, faults.ErrFormat):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrSchema):
		return http.StatusUnprocessableEntity
	case errors.Is(err, faults.ErrEngine):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	resp := errorResponse{Error: err.Error(), Kind: string(faults.KindOf(err))}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		resp.Error = se.Err.Error()
		resp.Stage = string(se.Stage)
		resp.RunID = se.RunID
	}
	c.AbortWithStatusJSON(statusFor(err), resp)
}

// uploadBody returns the molecule list from a multipart "file" field or,
// for any other content type, the raw request body.
func uploadBody(c *gin.Context) (io.ReadCloser, error) {
	mt, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if mt != "multipart/form-data" {
		return c.Request.Body, nil
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, faults.New(faults.KindFormat, "read upload", err)
	}
	return fh.Open()
}

func (s *Server) handlePredict(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, gw.Config.Server.MaxUploadBytes)

	body, err := uploadBody(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer body.Close()

	out, err := gw.Predict(c.Request.Context(), body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("X-Run-ID", out.RunID)

	if c.Query("format") == "csv" {
		c.Header("Content-Disposition", `attachment; filename="`+result.DownloadFilename+`"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", out.CSV)
		return
	}

	resp := predictResponse{
		RunID:             out.RunID,
		Count:             len(out.Predictions),
		Target:            gw.Pipeline.ModelInfo().Target,
		DescriptorColumns: out.DescriptorColumns,
		FeatureShape:      [2]int{out.FeatureRows, out.FeatureCols},
		Imputed:           out.Imputed,
		Predictions:       out.Predictions,
	}
	if out.ArchiveKey != "" {
		resp.Download = "/api/v1/runs/" + out.RunID + "/download"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDownload(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	info, rc, err := gw.Download(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, gateway.ErrArchiveDisabled):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, archive.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "no archived results for run " + c.Param("id")})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, info.Size, "text/csv; charset=utf-8", rc, map[string]string{
		"Content-Disposition": `attachment; filename="` + result.DownloadFilename + `"`,
	})
}

type manifestResponse struct {
	Features   []string   `json:"features"`
	Count      int        `json:"count"`
	Imputation string     `json:"imputation"`
	Model      model.Info `json:"model"`
	Columns    [2]string  `json:"columns"`
}

func (s *Server) handleManifest(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	m := gw.Pipeline.Manifest()
	h := gw.Header()
	c.JSON(http.StatusOK, manifestResponse{
		Features:   m.Names(),
		Count:      m.Len(),
		Imputation: string(gw.Pipeline.Imputation()),
		Model:      gw.Pipeline.ModelInfo(),
		Columns:    [2]string{h.ID, h.Score},
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func queryInt(c *gin.Context, name string, def int) int {
	if v, err := strconv.Atoi(c.Query(name)); err == nil && v > 0 {
		return v
	}
	return def
}
