package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/common-metadata/cmf-go/internal/domain"
	"github.com/common-metadata/cmf-go/internal/query"
	"github.com/common-metadata/cmf-go/internal/recorder"
	"github.com/common-metadata/cmf-go/internal/repo"
	"github.com/common-metadata/cmf-go/internal/sync"
)

// minClientVersion is the oldest client wire version this server merges.
// Clients advertising an older version are told to upgrade before anything
// is written.
const minClientVersion = 1

type cmfAPI struct {
	logger  *slog.Logger
	store   repo.Store
	queries *query.Service
	// dataDir holds side-channel uploads (python envs, labels, tensorboard
	// logs), keyed by kind and pipeline.
	dataDir string

	// pushMu serializes merges: uuid dedup and set-union must see a stable
	// store.
	pushMu gosync.Mutex
}

func newCMFAPI(logger *slog.Logger, store repo.Store, dataDir string) *cmfAPI {
	return &cmfAPI{
		logger:  logger,
		store:   store,
		queries: query.New(store),
		dataDir: dataDir,
	}
}

func (api *cmfAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /mlmd_push", api.handlePush)
	mux.HandleFunc("GET /mlmd_pull/{pipeline}", api.handlePull)
	mux.HandleFunc("GET /pipelines", api.handleListPipelines)

	mux.HandleFunc("POST /python-env", api.handleSideChannel("python-env"))
	mux.HandleFunc("POST /label", api.handleSideChannel("label"))
	mux.HandleFunc("POST /tensorboard", api.handleSideChannel("tensorboard"))
}

type pushRequest struct {
	PipelineName  string `json:"pipeline_name"`
	ID            string `json:"id"`
	JSONPayload   string `json:"json_payload"`
	ClientVersion int    `json:"client_version,omitempty"`
}

func (api *cmfAPI) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeStatus(w, sync.StatusInvalidPayload)
		return
	}
	if req.ClientVersion != 0 && req.ClientVersion < minClientVersion {
		api.writeStatus(w, sync.StatusVersionUpdate)
		return
	}
	doc, err := query.ParseDocument([]byte(req.JSONPayload))
	if err != nil {
		api.writeStatus(w, sync.StatusInvalidPayload)
		return
	}
	pipeline := req.PipelineName
	if pipeline == "" {
		pipeline = doc.Pipeline[0].Name
	}

	api.pushMu.Lock()
	defer api.pushMu.Unlock()

	status, err := api.merge(r.Context(), pipeline, doc)
	if err != nil {
		api.logger.Error("push merge failed", "pipeline", pipeline, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeStatus(w, status)
}

// merge applies a pushed document. When every incoming execution uuid is
// already stored for the pipeline there is nothing new and the push is
// answered with "exists"; otherwise the document merges in with uuid
// set-union against the stored, authoritative sets.
func (api *cmfAPI) merge(ctx context.Context, pipeline string, doc query.Document) (string, error) {
	exists, err := api.queries.PipelineExists(ctx, pipeline)
	if err != nil {
		return "", err
	}
	if exists {
		stored, err := api.queries.ExecutionUUIDs(ctx, pipeline)
		if err != nil {
			return "", err
		}
		if allKnown(doc, stored) {
			return sync.StatusExists, nil
		}
	}

	stampOriginalCreateTime(doc)
	rec, err := recorder.New(ctx, recorder.Options{
		Store:    api.store,
		Logger:   api.logger,
		Pipeline: pipeline,
		Command:  "server merge",
	})
	if err != nil {
		return "", err
	}
	if err := sync.Apply(ctx, rec, doc); err != nil {
		return "", err
	}
	return sync.StatusSuccess, nil
}

func (api *cmfAPI) handlePull(w http.ResponseWriter, r *http.Request) {
	pipeline := strings.TrimSpace(r.PathValue("pipeline"))
	if pipeline == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_required")
		return
	}
	exists, err := api.queries.PipelineExists(r.Context(), pipeline)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if !exists {
		api.writeError(w, r, http.StatusNotFound, sync.StatusPipelineAbsent)
		return
	}

	execUUID := strings.TrimSpace(r.URL.Query().Get("exec_uuid"))
	raw, err := api.queries.DumpToJSON(r.Context(), pipeline, execUUID)
	if err != nil {
		api.logger.Error("pull export failed", "pipeline", pipeline, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (api *cmfAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := api.queries.Pipelines(r.Context())
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	names := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		names = append(names, p.Name)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipelines": names})
}

// handleSideChannel stores one uploaded file under the kind and pipeline it
// belongs to. Filenames are flattened to their base to keep uploads inside
// the data directory.
func (api *cmfAPI) handleSideChannel(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_form")
			return
		}
		pipeline := strings.TrimSpace(r.FormValue("pipeline_name"))
		if pipeline == "" {
			api.writeError(w, r, http.StatusBadRequest, "pipeline_required")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "file_required")
			return
		}
		defer file.Close()

		dir := filepath.Join(api.dataDir, kind, pipeline)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		dest := filepath.Join(dir, filepath.Base(header.Filename))
		out, err := os.Create(dest)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		defer out.Close()
		if _, err := io.Copy(out, file); err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		api.writeStatus(w, sync.StatusSuccess)
	}
}

// allKnown reports whether every execution uuid in the document is already
// part of the stored set.
func allKnown(doc query.Document, stored []string) bool {
	known := make(map[string]struct{}, len(stored))
	for _, u := range stored {
		known[u] = struct{}{}
	}
	sawAny := false
	for _, stage := range doc.Pipeline[0].Stages {
		for _, exec := range stage.Executions {
			for _, u := range domain.SplitSet(exec.Properties.String(domain.PropExecutionUUID)) {
				sawAny = true
				if _, ok := known[u]; !ok {
					return false
				}
			}
		}
	}
	return sawAny
}

// stampOriginalCreateTime marks merged executions with the moment the
// server first saw them, preserving an existing stamp across re-pushes.
func stampOriginalCreateTime(doc query.Document) {
	now := time.Now().UnixMilli()
	for si := range doc.Pipeline[0].Stages {
		stage := &doc.Pipeline[0].Stages[si]
		for ei := range stage.Executions {
			exec := &stage.Executions[ei]
			if exec.CustomProperties == nil {
				exec.CustomProperties = domain.Metadata{}
			}
			if _, ok := exec.CustomProperties[domain.PropOriginalCreateTS]; !ok {
				exec.CustomProperties[domain.PropOriginalCreateTS] = now
			}
		}
	}
}

func (api *cmfAPI) writeStatus(w http.ResponseWriter, status string) {
	api.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (api *cmfAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		api.logger.Warn("response write failed", "error", err)
	}
}

func (api *cmfAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
