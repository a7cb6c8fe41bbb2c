package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/sharaein/server/internal/auth"
	"github.com/sharaein/server/internal/service"
)

const (
	uploadField = "file"
	// マルチパートのヘッダーや他のフィールドの分の余裕
	multipartOverhead = 1 << 20
)

// FileHandlerConfig はファイル関連エンドポイントの設定
type FileHandlerConfig struct {
	MaxUploadBytes       int64
	RequireDownloadToken bool
}

type FileHandler struct {
	svc    *service.FileService
	tokens TokenVerifier
	cfg    FileHandlerConfig
}

func NewFileHandler(s *service.FileService, tokens TokenVerifier, cfg FileHandlerConfig) *FileHandler {
	return &FileHandler{svc: s, tokens: tokens, cfg: cfg}
}

var errUploadTooLarge = errors.New("upload too large")

// limitedReader はmaxを超えて読もうとした時点でerrUploadTooLargeを返します
type limitedReader struct {
	r        io.Reader
	left     int64
	exceeded bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.left < 0 {
		l.exceeded = true
		return 0, errUploadTooLarge
	}
	if int64(len(p)) > l.left+1 {
		p = p[:l.left+1]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	if l.left < 0 {
		l.exceeded = true
		return n, errUploadTooLarge
	}
	return n, err
}

// Upload は multipart/form-data の file を受け取り、ルームに登録します
// ボディはストリーミングで保存先に書き込まれ、メモリに全体を読み込みません
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	roomID := normalizeID(chi.URLParam(r, "roomId"))
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "No file uploaded")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "No file uploaded")
			return
		}
		if err != nil {
			h.writeUploadError(w, r, err, false)
			return
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		lr := &limitedReader{r: part, left: h.cfg.MaxUploadBytes}
		staged, err := h.svc.Stage(r.Context(), lr, part.FileName(), part.Header.Get("Content-Type"))
		_ = part.Close()
		if err != nil {
			h.writeUploadError(w, r, err, lr.exceeded)
			return
		}
		f, err := h.svc.RecordUpload(r.Context(), roomID, staged, part.FileName(), staged.MimeType)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		respondData(w, http.StatusCreated, f)
		return
	}
}

func (h *FileHandler) writeUploadError(w http.ResponseWriter, r *http.Request, err error, exceeded bool) {
	var maxErr *http.MaxBytesError
	if exceeded || errors.Is(err, errUploadTooLarge) || errors.As(err, &maxErr) {
		respondError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	hlog.FromRequest(r).Warn().Err(err).Str("module", "handlers.file").Msg("upload aborted")
	respondError(w, http.StatusBadRequest, "Upload failed")
}

// Delete はトークンのスコープにあるファイルを削除します
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Access token required")
		return
	}
	if err := h.svc.RecordDeletion(r.Context(), claims.RoomID, chi.URLParam(r, "fileId")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	respondMessage(w, http.StatusOK, "File deleted successfully")
}

// Download はファイルを添付ファイルとして返します
// トークン（?token= またはBearer）は任意ですが、指定された場合はファイルのルームにスコープされている必要があります
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	token := normalizeID(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	var claims *auth.Claims
	if token != "" {
		c, err := h.tokens.Verify(token)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		claims = c
	} else if h.cfg.RequireDownloadToken {
		respondError(w, http.StatusUnauthorized, "Access token required")
		return
	}

	f, err := h.svc.GetFile(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if claims != nil {
		if err := auth.AuthorizeRoomScope(claims, f.RoomID); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}

	rc, err := h.svc.Open(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Filename}))
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("module", "handlers.file").Str("file", f.ID).Msg("download interrupted")
	}
}
