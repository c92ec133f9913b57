package internal

import (
	"context"
	"io"

	"github.com/lychee-technology/kdbpush"
)

// windowedSource reads one compiled query window by window. Windows are
// strictly sequential: each offset depends on the rows already returned.
type windowedSource struct {
	client   StoreClient
	query    *CompiledQuery
	pageSize int64
	metrics  *Metrics

	offset int64
	done   bool
}

// NewPageSource pages through q with windows of pageSize rows.
func NewPageSource(client StoreClient, q *CompiledQuery, pageSize int64, metrics *Metrics) kdbpush.PageSource {
	if pageSize <= 0 {
		pageSize = int64(kdbpush.DefaultSessionConfig().PageSize)
	}
	return &windowedSource{client: client, query: q, pageSize: pageSize, metrics: metrics}
}

// Next returns the next window. A failed window leaves the offset unchanged,
// so no partial rows are kept and the window can be retried.
func (s *windowedSource) Next(ctx context.Context) (*kdbpush.Page, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.query.Empty {
		s.done = true
		if len(s.query.Constant) == 0 || (s.query.HasLimit && s.query.Limit <= 0) {
			return nil, io.EOF
		}
		return constantPage(s.query), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.query.Windowed {
		page, err := s.fetch(ctx, s.query.Text())
		if err != nil {
			return nil, err
		}
		s.done = true
		if s.query.HasLimit {
			page.Truncate(int(s.query.Limit))
		}
		return page, nil
	}

	count := s.pageSize
	if s.query.HasLimit {
		remaining := s.query.Limit - s.offset
		if remaining <= 0 {
			s.done = true
			return nil, io.EOF
		}
		count = min(count, remaining)
	}

	page, err := s.fetch(ctx, s.query.Window(s.offset, count))
	if err != nil {
		return nil, err
	}
	n := int64(page.RowCount())
	s.offset += n
	if n < count || (s.query.HasLimit && s.offset >= s.query.Limit) {
		s.done = true
	}
	return page, nil
}

func (s *windowedSource) fetch(ctx context.Context, text string) (*kdbpush.Page, error) {
	res, err := s.client.Execute(ctx, text)
	if err != nil {
		return nil, err
	}
	page, err := DecodePage(res, s.query.Fields)
	if err != nil {
		return nil, kdbpush.NewInternalError("decode result", err).WithQuery(text)
	}
	s.metrics.ObserveWindow(page.RowCount())
	return page, nil
}

func (s *windowedSource) Close() error {
	s.done = true
	return nil
}

func constantPage(q *CompiledQuery) *kdbpush.Page {
	names := make([]string, len(q.Fields))
	rels := make([]kdbpush.RelType, len(q.Fields))
	for i, f := range q.Fields {
		names[i], rels[i] = f.Name, f.Rel
	}
	page := kdbpush.NewPage(names, rels)
	for _, row := range q.Constant {
		page.AppendRow(append([]any(nil), row...))
	}
	return page
}

// ReadAll drains src into one page.
func ReadAll(ctx context.Context, src kdbpush.PageSource, fields []ResultField) (*kdbpush.Page, error) {
	names := make([]string, len(fields))
	rels := make([]kdbpush.RelType, len(fields))
	for i, f := range fields {
		names[i], rels[i] = f.Name, f.Rel
	}
	all := kdbpush.NewPage(names, rels)
	for {
		page, err := src.Next(ctx)
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all.Append(page)
	}
}
