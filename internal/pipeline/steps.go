package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/bank-reconciler/internal/archive"
	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/rules"
	"github.com/dvloznov/bank-reconciler/internal/store"
)

// PageStep represents a single step applied to each fetched page.
type PageStep interface {
	Execute(ctx context.Context, state *PageState) error
}

// PageState holds the shared state across the steps of one page.
type PageState struct {
	Run    *domain.SyncRun
	Number int
	// Cursor is the position the page was fetched from.
	Cursor string
	Page   connector.Page

	Ingest     store.IngestResult
	Classified int
}

// Classifier classifies freshly inserted transactions.
type Classifier interface {
	ClassifyNew(ctx context.Context, ids []string) (rules.ClassifyResult, error)
}

// ArchivePageStep keeps the raw page before anything is stored.
type ArchivePageStep struct {
	Archiver archive.Archiver
}

func (s *ArchivePageStep) Execute(ctx context.Context, state *PageState) error {
	if len(state.Page.Records) == 0 {
		return nil
	}
	if err := s.Archiver.ArchivePage(ctx, state.Run.AccountID, state.Run.ID, state.Number, state.Page.Records); err != nil {
		return fmt.Errorf("archiving page %d: %w", state.Number, err)
	}
	return nil
}

// IngestPageStep upserts the page into the transaction store.
type IngestPageStep struct {
	Transactions store.TransactionStore
}

func (s *IngestPageStep) Execute(ctx context.Context, state *PageState) error {
	res, err := s.Transactions.Ingest(ctx, state.Run.ID, state.Page.Records)
	if err != nil {
		return fmt.Errorf("ingesting page %d: %w", state.Number, err)
	}
	state.Ingest = res
	return nil
}

// ClassifyPageStep runs the matching rules over the transactions the page inserted.
type ClassifyPageStep struct {
	Classifier Classifier
}

func (s *ClassifyPageStep) Execute(ctx context.Context, state *PageState) error {
	res, err := s.Classifier.ClassifyNew(ctx, state.Ingest.Inserted)
	if err != nil {
		return fmt.Errorf("classifying page %d: %w", state.Number, err)
	}
	state.Classified = res.Classified
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PageStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PageStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PageState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("page step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// NewPagePipeline creates the standard archive, ingest, classify pipeline. A nil
// archiver or classifier leaves its step out.
func NewPagePipeline(archiver archive.Archiver, txs store.TransactionStore, classifier Classifier) *Pipeline {
	var steps []PageStep
	if archiver != nil {
		steps = append(steps, &ArchivePageStep{Archiver: archiver})
	}
	steps = append(steps, &IngestPageStep{Transactions: txs})
	if classifier != nil {
		steps = append(steps, &ClassifyPageStep{Classifier: classifier})
	}
	return NewPipeline(steps...)
}
