package health

import (
	"context"
	"io"
	"time"

	"github.com/c360studio/repolens/analysis"
	"github.com/c360studio/repolens/docgen"
	"github.com/c360studio/repolens/llm"
	"github.com/c360studio/repolens/pipeline"
	"github.com/c360studio/repolens/vectorindex"
)

// Adapter decorators. Each wraps a concrete client behind the interface
// its consumer already depends on, counting calls and latency per adapter.
// Wiring is one line at construction time and the clients stay clean.

// Completer instruments model calls.
func (r *Registry) Completer(next analysis.Completer) analysis.Completer {
	return &instrumentedCompleter{next: next, reg: r}
}

type instrumentedCompleter struct {
	next analysis.Completer
	reg  *Registry
}

func (c *instrumentedCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	c.reg.observeAdapter("llm", time.Since(start), err)
	return resp, err
}

// Indexer instruments vector index writes.
func (r *Registry) Indexer(next pipeline.Indexer) pipeline.Indexer {
	return &instrumentedIndexer{next: next, reg: r}
}

type instrumentedIndexer struct {
	next pipeline.Indexer
	reg  *Registry
}

func (i *instrumentedIndexer) CreateIndex(ctx context.Context, docs []vectorindex.Document) (string, error) {
	start := time.Now()
	name, err := i.next.CreateIndex(ctx, docs)
	i.reg.observeAdapter("vector", time.Since(start), err)
	return name, err
}

func (i *instrumentedIndexer) AddDocuments(ctx context.Context, index string, docs []vectorindex.Document) (int, error) {
	start := time.Now()
	n, err := i.next.AddDocuments(ctx, index, docs)
	i.reg.observeAdapter("vector", time.Since(start), err)
	return n, err
}

// Querier instruments context retrieval. A nil querier stays nil, so a
// pool without an index keeps its no-context behavior.
func (r *Registry) Querier(next analysis.ContextQuerier) analysis.ContextQuerier {
	if next == nil {
		return nil
	}
	return &instrumentedQuerier{next: next, reg: r}
}

type instrumentedQuerier struct {
	next analysis.ContextQuerier
	reg  *Registry
}

func (q *instrumentedQuerier) Query(ctx context.Context, index, query string, topK int) ([]vectorindex.Scored, error) {
	start := time.Now()
	scored, err := q.next.Query(ctx, index, query, topK)
	q.reg.observeAdapter("vector", time.Since(start), err)
	return scored, err
}

// DocGenerator instruments document generation calls.
func (r *Registry) DocGenerator(next pipeline.DocGenerator) pipeline.DocGenerator {
	return &instrumentedDocGen{next: next, reg: r}
}

type instrumentedDocGen struct {
	next pipeline.DocGenerator
	reg  *Registry
}

func (d *instrumentedDocGen) UploadZip(ctx context.Context, name string, zip io.Reader) (string, error) {
	start := time.Now()
	path, err := d.next.UploadZip(ctx, name, zip)
	d.reg.observeAdapter("docgen", time.Since(start), err)
	return path, err
}

func (d *instrumentedDocGen) Submit(ctx context.Context, localPath string, opts docgen.Options) (string, error) {
	start := time.Now()
	jobID, err := d.next.Submit(ctx, localPath, opts)
	d.reg.observeAdapter("docgen", time.Since(start), err)
	return jobID, err
}

func (d *instrumentedDocGen) Status(ctx context.Context, jobID string) (*docgen.Status, error) {
	start := time.Now()
	status, err := d.next.Status(ctx, jobID)
	d.reg.observeAdapter("docgen", time.Since(start), err)
	return status, err
}

func (d *instrumentedDocGen) FetchResult(ctx context.Context, jobID string) (*docgen.Result, error) {
	start := time.Now()
	result, err := d.next.FetchResult(ctx, jobID)
	d.reg.observeAdapter("docgen", time.Since(start), err)
	return result, err
}
