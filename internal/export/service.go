// Package export produces XLSX workbooks from finished order records for the
// accounting team.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"github.com/invopipe/invopipe/internal/orders"
)

// RepositoryPort lists the order reads the exporter needs.
type RepositoryPort interface {
	List(ctx context.Context, req orders.ListRequest) ([]orders.Record, int, error)
}

// Service renders order records into a two-sheet workbook: one row per
// order, one row per line item.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService constructs the exporter.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

const (
	ordersSheet = "Orders"
	linesSheet  = "Line Items"
	// pageSize bounds one repository read while paging through records.
	pageSize = 200
)

// WorkbookXLSX returns an XLSX workbook for all records in the given states.
// Defaults to COMPLETED and NEEDS_REVIEW, the two downstream-visible states.
func (s *Service) WorkbookXLSX(ctx context.Context, states []orders.ProcessingState) ([]byte, error) {
	start := time.Now()
	if len(states) == 0 {
		states = []orders.ProcessingState{orders.StateCompleted, orders.StateNeedsReview}
	}

	records, err := s.listAll(ctx, states)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", ordersSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(linesSheet); err != nil {
		return nil, err
	}

	if err := s.writeOrders(f, records); err != nil {
		return nil, err
	}
	if err := s.writeLines(f, records); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"orders", len(records),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// listAll pages through the matching records. Pages after the first are
// fetched concurrently once the total is known.
func (s *Service) listAll(ctx context.Context, states []orders.ProcessingState) ([]orders.Record, error) {
	first, total, err := s.repo.List(ctx, orders.ListRequest{States: states, Page: 1, PerPage: pageSize})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if total <= pageSize {
		return first, nil
	}

	pages := (total + pageSize - 1) / pageSize
	results := make([][]orders.Record, pages)
	results[0] = first

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for page := 2; page <= pages; page++ {
		g.Go(func() error {
			recs, _, err := s.repo.List(gctx, orders.ListRequest{States: states, Page: page, PerPage: pageSize})
			if err != nil {
				return fmt.Errorf("list orders page %d: %w", page, err)
			}
			results[page-1] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []orders.Record
	for _, recs := range results {
		out = append(out, recs...)
	}
	return out, nil
}

func (s *Service) writeOrders(f *excelize.File, records []orders.Record) error {
	headers := []any{
		"Order Key", "State", "Supplier Code", "Sender", "Invoice Number",
		"Issued At", "Currency", "Document Total", "Lines", "Attempts",
		"Warnings", "Reasons",
	}
	if err := writeRow(f, ordersSheet, 1, headers); err != nil {
		return err
	}

	row := 2
	for _, rec := range records {
		cells := []any{
			rec.Key.String(), string(rec.State), rec.SupplierCode, rec.Sender,
		}
		if rec.Order != nil {
			cells = append(cells,
				rec.Order.InvoiceNumber, rec.Order.IssuedAt, rec.Order.Currency,
				rec.Order.DocumentTotal.StringFixed(2), len(rec.Order.LineItems),
			)
		} else {
			cells = append(cells, "", "", "", "", 0)
		}
		cells = append(cells, rec.Attempts, joinList(warningsOf(rec)), joinList(rec.Reasons))
		if err := writeRow(f, ordersSheet, row, cells); err != nil {
			return err
		}
		row++
	}

	_ = f.SetColWidth(ordersSheet, "A", "A", 38)
	_ = f.SetColWidth(ordersSheet, "B", "D", 20)
	_ = f.SetColWidth(ordersSheet, "E", "H", 16)
	_ = f.SetColWidth(ordersSheet, "K", "L", 60)
	return nil
}

func (s *Service) writeLines(f *excelize.File, records []orders.Record) error {
	headers := []any{
		"Order Key", "Invoice Number", "Product Code", "Description",
		"Quantity", "Paid Qty", "Bonus Qty", "Unit Price", "Discount %",
		"VAT", "Final Net Price",
	}
	if err := writeRow(f, linesSheet, 1, headers); err != nil {
		return err
	}

	row := 2
	for _, rec := range records {
		if rec.Order == nil {
			continue
		}
		for _, li := range rec.Order.LineItems {
			paid, bonus := "", ""
			if li.PaidQuantity != nil {
				paid = li.PaidQuantity.String()
			}
			if li.BonusQuantity != nil {
				bonus = li.BonusQuantity.String()
			}
			cells := []any{
				rec.Key.String(), rec.Order.InvoiceNumber, li.ProductCode, li.Description,
				li.Quantity.String(), paid, bonus,
				li.RawUnitPrice.StringFixed(2), li.DiscountPct.String(),
				string(li.Vat), li.FinalNetPrice.StringFixed(2),
			}
			if err := writeRow(f, linesSheet, row, cells); err != nil {
				return err
			}
			row++
		}
	}

	_ = f.SetColWidth(linesSheet, "A", "A", 38)
	_ = f.SetColWidth(linesSheet, "D", "D", 40)
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

func warningsOf(rec orders.Record) []string {
	if rec.Order == nil {
		return nil
	}
	return rec.Order.Warnings
}

func joinList(in []string) string {
	return strings.Join(in, "; ")
}
