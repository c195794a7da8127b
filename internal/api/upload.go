package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/plcgw/internal/build"
)

// programExt is the extension accepted for Structured Text programs.
const programExt = ".st"

var errUploadTooLarge = errors.New("upload exceeds size limit")

// uploadError is a client mistake in an upload request.
type uploadError struct{ msg string }

func (e *uploadError) Error() string { return e.msg }

// saveUpload stores the multipart file in field (any file field when field
// is empty) under a fresh name in the uploads dir and returns it as a build
// source. Source.Name keeps the client's file name.
func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request, field string) (build.Source, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return build.Source{}, errUploadTooLarge
		}
		return build.Source{}, &uploadError{msg: "expected a multipart/form-data upload"}
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	header := pickFile(r.MultipartForm, field)
	if header == nil {
		if field == "" {
			return build.Source{}, &uploadError{msg: "no file in upload"}
		}
		return build.Source{}, &uploadError{msg: fmt.Sprintf("missing %q file field", field)}
	}

	name, err := sanitizeProgramName(header.Filename)
	if err != nil {
		return build.Source{}, err
	}

	file, err := header.Open()
	if err != nil {
		return build.Source{}, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	path, err := storeUpload(s.config.UploadsDir, name, file)
	if err != nil {
		return build.Source{}, err
	}
	s.logger.Info("program uploaded", "name", name, "path", path, "bytes", header.Size)
	return build.Source{Name: name, Path: path}, nil
}

func pickFile(form *multipart.Form, field string) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	if field != "" {
		if files := form.File[field]; len(files) > 0 {
			return files[0]
		}
		return nil
	}
	for _, files := range form.File {
		if len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

// sanitizeProgramName strips directories and requires the .st extension.
func sanitizeProgramName(raw string) (string, error) {
	name := filepath.Base(strings.ReplaceAll(raw, `\`, "/"))
	if name == "." || name == ".." || name == "/" || strings.HasPrefix(name, ".") {
		return "", &uploadError{msg: fmt.Sprintf("invalid program file name %q", raw)}
	}
	if !strings.EqualFold(filepath.Ext(name), programExt) {
		return "", &uploadError{msg: fmt.Sprintf("program file must have a %s extension", programExt)}
	}
	return name, nil
}

// storeUpload copies r into a new source file in dir. Nothing is left
// behind on failure.
func storeUpload(dir, name string, r io.Reader) (string, error) {
	f, err := build.CreateSource(dir, name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close upload: %w", err)
	}
	path, err := filepath.Abs(f.Name())
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return path, nil
}

// replace hands src to the controller. The build runs on a context that
// survives the client hanging up and ends only with the service. A source
// the controller turned away is deleted.
func (s *Server) replace(r *http.Request, src build.Source) (*build.Run, error) {
	ctx, cancel := s.buildContext(r)
	defer cancel()

	run, err := s.ctrl.RequestReplace(ctx, src)
	if err != nil && run == nil {
		if rmErr := os.Remove(src.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("failed to remove rejected upload", "path", src.Path, "error", rmErr)
		}
	}
	return run, err
}

// buildContext keeps the request's values but not its cancellation.
func (s *Server) buildContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.serviceContext(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var ue *uploadError
	switch {
	case errors.Is(err, errUploadTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &ue):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
	default:
		s.logger.Error("failed to store upload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
	}
}
