package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/notice"
)

// noticeResponse 是同步接口的响应体，Error 为 null 表示成功。
type noticeResponse struct {
	Message string  `json:"message"`
	Error   *string `json:"error"`
}

func (s *Server) handleGenerateNotice(w http.ResponseWriter, r *http.Request) {
	var req notice.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.rejectNotice(w, xerrors.Wrap(xerrors.CodeRequestValidation, err, "request body is not valid JSON"))
		return
	}
	if err := req.Validate(); err != nil {
		s.rejectNotice(w, err)
		return
	}
	if s.generator == nil {
		writeNotice(w, http.StatusOK, "", xerrors.PublicMessage(xerrors.New(xerrors.CodeInitializationFailure, "generator is not configured")))
		return
	}

	s.log.Info("收到公告生成请求",
		slog.String("title", req.Title),
		slog.String("department", req.Department),
		slog.String("language", req.Language),
	)
	started := time.Now()
	text, err := s.generator.Generate(r.Context(), req)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeRequestValidation) {
			s.rejectNotice(w, err)
			return
		}
		if ctxErr := r.Context().Err(); ctxErr != nil {
			s.log.Info("客户端已断开，公告生成中止", slog.String("title", req.Title), slog.Any("error", ctxErr))
		} else {
			s.log.Warn("公告生成失败",
				slog.String("title", req.Title),
				slog.String("code", string(xerrors.CodeOf(err))),
				slog.Any("error", err),
			)
		}
		writeNotice(w, http.StatusOK, "", xerrors.PublicMessage(err))
		return
	}

	s.log.Info("公告生成完成",
		slog.String("title", req.Title),
		slog.Duration("duration", time.Since(started)),
		slog.Int("length", len(text)),
	)
	writeNotice(w, http.StatusOK, text, "")
}

func (s *Server) rejectNotice(w http.ResponseWriter, err error) {
	s.log.Info("公告请求校验失败", slog.Any("error", err))
	writeNotice(w, http.StatusBadRequest, "", xerrors.PublicMessage(err))
}

func writeNotice(w http.ResponseWriter, status int, message, errMessage string) {
	resp := noticeResponse{Message: message}
	if errMessage != "" {
		resp.Error = &errMessage
	}
	writeJSON(w, status, resp)
}
