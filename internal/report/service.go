package report

import (
	"context"
	"fmt"
	"time"

	"cashcount/api/internal/counting"
	"cashcount/api/internal/store"
)

// DataStore defines the data the report needs.
type DataStore interface {
	GetUnit(ctx context.Context, id string) (store.Unit, error)
	GetSession(ctx context.Context, unitID, sessionID string) (counting.Session, error)
	ListMembers(ctx context.Context, unitID string) ([]counting.Member, error)
}

type Service struct {
	store    DataStore
	pdf      PDFRenderer
	archiver Archiver
	loc      *time.Location
	now      func() time.Time
}

// NewService creates a report service. pdf and archiver may be nil.
func NewService(store DataStore, pdf PDFRenderer, archiver Archiver, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, pdf: pdf, archiver: archiver, loc: loc, now: time.Now}
}

func (s *Service) Build(ctx context.Context, req Request) (*Result, error) {
	if req.Format == "" {
		req.Format = FormatHTML
	}
	if req.Format != FormatHTML && req.Format != FormatPDF {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	unit, err := s.store.GetUnit(ctx, req.UnitID)
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	session, err := s.store.GetSession(ctx, req.UnitID, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	members, err := s.store.ListMembers(ctx, req.UnitID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	data := NewTemplateData(unit.Name, session, counting.NewDirectory(members), s.loc, s.now())
	html, err := RenderHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	name := "session-" + session.Date
	if session.Date == "" {
		name = "session-" + session.ID
	}
	result := &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}
	if req.Format == FormatPDF {
		if s.pdf == nil {
			return nil, ErrPDFDependencyMissing
		}
		pdf, err := s.pdf.RenderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		result = &Result{Data: pdf, Filename: name + ".pdf", MimeType: "application/pdf"}
	}

	if req.Archive {
		if s.archiver == nil {
			return nil, ErrArchiveDisabled
		}
		key := req.UnitID + "/" + result.Filename
		if err := s.archiver.Put(ctx, key, result.Data, result.MimeType); err != nil {
			return nil, err
		}
		result.ArchiveKey = key
	}
	return result, nil
}
