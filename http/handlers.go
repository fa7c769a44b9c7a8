package http

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/meigma/archivist"
	"github.com/meigma/archivist/ingest"
)

// FileMetadata describes a stored upload.
type FileMetadata struct {
	OriginalFileName  string `json:"original_file_name"`
	PersistedFilePath string `json:"persisted_file_path"`
	ArticleCount      uint64 `json:"article_count"`
}

// UploadResponse is the body returned by POST /upload.
type UploadResponse struct {
	Message      string       `json:"message"`
	FileMetadata FileMetadata `json:"file_metadata"`
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Query    string `json:"query"`
	FilePath string `json:"file_path"`
}

// BrowseRequest is the body of POST /browse.
type BrowseRequest struct {
	FilePath string `json:"file_path"`
}

// uploadField is the form field accepted as the upload even without a
// file name.
const uploadField = "file"

var errNoFilePart = errors.New("no file part in multipart body")

func (s *Server) handleUpload(c *gin.Context) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		c.String(nethttp.StatusBadRequest, "Invalid multipart body: %v", err)
		return
	}
	part, err := firstFilePart(mr)
	if err != nil {
		c.String(nethttp.StatusBadRequest, "Invalid multipart body: %v", err)
		return
	}
	defer part.Close()

	out, err := s.lib.Upload(c.Request.Context(), part.FileName(), part)
	if err != nil {
		_ = c.Error(err)
		switch {
		case errors.Is(err, ingest.ErrTransport):
			c.String(nethttp.StatusBadRequest, "Upload interrupted: %v", err)
		case errors.Is(err, ingest.ErrCleaned):
			c.String(nethttp.StatusConflict, "Cache was cleaned during upload, please retry")
		default:
			c.String(nethttp.StatusInternalServerError, "Failed to store upload: %v", err)
		}
		return
	}
	c.JSON(nethttp.StatusOK, UploadResponse{
		Message: out.Status.Message(),
		FileMetadata: FileMetadata{
			OriginalFileName:  out.Name,
			PersistedFilePath: out.Path,
			ArticleCount:      out.ArticleCount,
		},
	})
}

// firstFilePart skips form fields until the first part carrying a file,
// either by file name or by the upload field name.
func firstFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" || part.FormName() == uploadField {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *Server) handleProgress(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.streams, cancel)
	defer stop()

	events := s.lib.Watch(ctx)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent("progress", ev)
		return true
	})
}

func (s *Server) handleArticle(c *gin.Context) {
	raw := c.Param("title")
	title, err := url.PathUnescape(raw)
	if err != nil {
		title = raw
	}

	art, err := s.lib.Article(c.Request.Context(), title)
	if err != nil {
		_ = c.Error(err)
		switch {
		case errors.Is(err, archivist.ErrNoActiveDataset):
			c.String(nethttp.StatusBadRequest, "No ZIM loaded")
		case errors.Is(err, archivist.ErrNotFound):
			c.String(nethttp.StatusNotFound, "Article not found")
		case errors.Is(err, archivist.ErrUnreadable):
			c.String(nethttp.StatusNotFound, "Article found but failed to read content")
		case errors.Is(err, archivist.ErrOpen):
			c.String(nethttp.StatusInternalServerError, "Failed to open ZIM archive")
		default:
			c.String(nethttp.StatusInternalServerError, "Failed to read article: %v", err)
		}
		return
	}
	c.Data(nethttp.StatusOK, art.MIMEType, art.Body)
}

func (s *Server) handleSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(nethttp.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	entries, err := s.lib.Search(c.Request.Context(), req.Query, req.FilePath)
	if err != nil {
		s.libraryError(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, entries)
}

func (s *Server) handleBrowse(c *gin.Context) {
	var req BrowseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.String(nethttp.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	entries, err := s.lib.Browse(c.Request.Context(), req.FilePath)
	if err != nil {
		s.libraryError(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, entries)
}

// libraryError maps search and browse failures to a status.
func (s *Server) libraryError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, archivist.ErrNoActiveDataset),
		errors.Is(err, archivist.ErrInvalidPath),
		errors.Is(err, archivist.ErrInvalidQuery):
		c.String(nethttp.StatusBadRequest, "%v", err)
	case errors.Is(err, archivist.ErrOpen):
		c.String(nethttp.StatusInternalServerError, "Failed to open ZIM archive: %v", err)
	default:
		c.String(nethttp.StatusInternalServerError, "%v", err)
	}
}

func (s *Server) handleCleanCache(c *gin.Context) {
	removed, err := s.lib.CleanCache(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.String(nethttp.StatusInternalServerError, "Failed to clean cache: %v", err)
		return
	}
	if removed == 0 {
		c.String(nethttp.StatusOK, "Cache directory empty, nothing to clean")
		return
	}
	c.String(nethttp.StatusOK, "Cache cleaned successfully (%d files removed)", removed)
}

func (s *Server) handleFiles(c *gin.Context) {
	c.JSON(nethttp.StatusOK, s.lib.Files())
}
