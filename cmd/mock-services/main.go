// Package main implements a mock of the three services RepoLens calls
// off-box: the OpenAI-compatible completion endpoint, the vector-index
// service, and the documentation service. One process serves all three
// on a single port, in memory and deterministic, so a full pipeline run
// needs no API keys and no network.
//
// Usage:
//
//	mock-services -port 8000
//
// Point the orchestrator at it:
//
//	llm.base_url:    http://localhost:8000/v1
//	vector.base_url: http://localhost:8000
//	docgen.base_url: http://localhost:8000
//
// Every completion call returns a fixed file-analysis report; -completion
// overrides it with the content of a JSON file. Documentation jobs report
// processing for -doc-polls status calls before completing, which
// exercises the driver's polling path.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/repolens/docgen"
	"github.com/c360studio/repolens/vectorindex"
)

// defaultReport parses as the analysis report the worker pool expects.
const defaultReport = `{
  "summary": {
    "title": "Mock analysis",
    "description": "Deterministic report produced by mock-services so the pipeline can be exercised without a model."
  },
  "items": [
    {
      "title": "Reported unit",
      "description": "A single finding emitted for every analyzed file, useful for verifying item persistence.",
      "target_type": "file",
      "target_name": "mock",
      "start_line": 1,
      "end_line": 1
    }
  ]
}`

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Vector service types (wire format of vectorindex.Client) ---

type documentsRequest struct {
	Documents   []vectorindex.Document `json:"documents"`
	VectorField string                 `json:"vector_field"`
	Index       string                 `json:"index"`
}

type searchRequest struct {
	Query string `json:"query"`
	Index string `json:"index"`
	TopK  int    `json:"top_k"`
}

// --- Documentation service types (wire format of docgen.Client) ---

type submitRequest struct {
	LocalPath   string `json:"local_path"`
	ProjectName string `json:"project_name"`
}

type docJob struct {
	project string
	path    string
	polls   int
}

// --- Server ---

type server struct {
	completion string
	docPolls   int

	mu       sync.Mutex
	indexes  map[string][]vectorindex.Document
	uploads  map[string]int // service-side path to upload size
	jobs     map[string]*docJob
	indexSeq int
	jobSeq   int

	completions atomic.Int64
	batches     atomic.Int64
	searches    atomic.Int64
}

func newServer(completion string, docPolls int) *server {
	if docPolls < 1 {
		docPolls = 1
	}
	return &server{
		completion: completion,
		docPolls:   docPolls,
		indexes:    make(map[string][]vectorindex.Document),
		uploads:    make(map[string]int),
		jobs:       make(map[string]*docJob),
	}
}

func main() {
	port := flag.Int("port", 8000, "port to listen on")
	completionFile := flag.String("completion", "", "JSON file returned as the assistant message (optional)")
	docPolls := flag.Int("doc-polls", 2, "status polls before a documentation job completes")
	flag.Parse()

	completion := defaultReport
	if *completionFile != "" {
		loaded, err := loadCompletion(*completionFile)
		if err != nil {
			log.Fatalf("Failed to load completion file: %v", err)
		}
		completion = loaded
	}

	s := newServer(completion, *docPolls)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock services listening on %s (llm, vector, docgen)", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// loadCompletion reads an override completion file and rejects anything
// the analysis workers could not parse back out of the envelope.
func loadCompletion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("%s is not valid JSON", path)
	}
	return string(data), nil
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	// OpenAI-compatible completion endpoint
	mux.HandleFunc("/v1/chat/completions", s.handleCompletions)

	// Vector-index service
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/indices/", s.handleDeleteIndex)

	// Documentation service
	mux.HandleFunc("/api/upload/zip", s.handleUpload)
	mux.HandleFunc("/api/analyze/local", s.handleSubmit)
	mux.HandleFunc("/api/analyze/local/", s.handleJobStatus)

	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	indexes := len(s.indexes)
	uploads := len(s.uploads)
	jobs := len(s.jobs)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"completions": s.completions.Load(),
		"batches":     s.batches.Load(),
		"searches":    s.searches.Load(),
		"indexes":     indexes,
		"uploads":     uploads,
		"jobs":        jobs,
	})
}

func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	n := s.completions.Add(1)
	log.Printf("[completion %d] model=%s messages=%d", n, req.Model, len(req.Messages))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: make([]chatChoice, 1),
		Usage: chatUsage{
			PromptTokens:     len(s.completion) / 4,
			CompletionTokens: len(s.completion) / 4,
			TotalTokens:      len(s.completion) / 2,
		},
	}
	resp.Choices[0].Message.Role = "assistant"
	resp.Choices[0].Message.Content = s.completion
	resp.Choices[0].FinishReason = "stop"

	writeJSON(w, http.StatusOK, resp)
}

// handleDocuments creates an index when the request names none and
// extends it otherwise, exactly like the real service.
func (s *server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req documentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	name := req.Index
	if name == "" {
		s.indexSeq++
		name = fmt.Sprintf("mock_index_%04d", s.indexSeq)
	} else if _, ok := s.indexes[name]; !ok {
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf("index %q not found", name), http.StatusNotFound)
		return
	}
	s.indexes[name] = append(s.indexes[name], req.Documents...)
	s.mu.Unlock()

	s.batches.Add(1)
	log.Printf("[documents] index=%s added=%d", name, len(req.Documents))
	writeJSON(w, http.StatusOK, map[string]any{"index": name, "count": len(req.Documents)})
}

// handleSearch scores documents by naive term overlap with the query.
// Deterministic and embedding-free, which is all wiring tests need.
func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	docs, ok := s.indexes[req.Index]
	s.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("index %q not found", req.Index), http.StatusNotFound)
		return
	}

	terms := strings.Fields(strings.ToLower(req.Query))
	scored := make([]vectorindex.Scored, 0, len(docs))
	for _, doc := range docs {
		content := strings.ToLower(doc.Content)
		matched := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				matched++
			}
		}
		score := 0.0
		if len(terms) > 0 {
			score = float64(matched) / float64(len(terms))
		}
		scored = append(scored, vectorindex.Scored{Document: doc, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	topK := req.TopK
	if topK <= 0 || topK > len(scored) {
		topK = len(scored)
	}
	s.searches.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{"results": scored[:topK]})
}

func (s *server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/indices/")
	if name == "" {
		http.Error(w, "index name required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, ok := s.indexes[name]
	delete(s.indexes, name)
	s.mu.Unlock()

	if !ok {
		http.Error(w, fmt.Sprintf("index %q not found", name), http.StatusNotFound)
		return
	}
	log.Printf("[indices] deleted %s", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("missing file part: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		http.Error(w, fmt.Sprintf("read upload: %v", err), http.StatusBadRequest)
		return
	}

	path := "/uploads/" + header.Filename
	s.mu.Lock()
	s.uploads[path] = int(size)
	s.mu.Unlock()

	log.Printf("[upload] %s (%d bytes)", path, size)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"file_path": path,
		"message":   "stored",
	})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.LocalPath == "" {
		http.Error(w, "local_path is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.jobSeq++
	id := fmt.Sprintf("job-%04d", s.jobSeq)
	s.jobs[id] = &docJob{project: req.ProjectName, path: req.LocalPath}
	s.mu.Unlock()

	log.Printf("[submit] %s path=%s project=%s", id, req.LocalPath, req.ProjectName)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id})
}

func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/analyze/local/")
	id := strings.TrimSuffix(rest, "/status")
	if id == "" || id == rest {
		http.Error(w, "job id required", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok && job.polls < s.docPolls {
		job.polls++
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("job %q not found", id), http.StatusNotFound)
		return
	}

	st := docgen.Status{}
	if job.polls < s.docPolls {
		st.State = "processing"
		st.Progress = 100 * float64(job.polls) / float64(s.docPolls)
		st.Stage = "drafting"
	} else {
		st.State = "completed"
		st.Progress = 100
		st.Stage = "done"
		st.Result = &struct {
			Markdown string `json:"markdown"`
			HTML     string `json:"html"`
		}{Markdown: readmeFor(job)}
	}
	writeJSON(w, http.StatusOK, st)
}

// readmeFor renders the deterministic document a completed job returns.
func readmeFor(job *docJob) string {
	project := job.project
	if project == "" {
		project = "Repository"
	}
	return fmt.Sprintf(`# %s

Generated by mock-services from %s.

## Overview

This document stands in for the real documentation service so the
pipeline's document stage can be exercised end to end.
`, project, job.path)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
