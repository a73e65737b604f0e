package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/synchub_backend/models"
)

const exportSheet = "Audit"

// ExportXLSX renders a tenant's audit trail as a spreadsheet for compliance
// reviews. Caller owns closing the returned file.
func ExportXLSX(ctx context.Context, tenantId string, since time.Time, limit int) (*excelize.File, error) {
	records, err := models.ListAuditRecords(ctx, tenantId, since, limit)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	f.SetSheetName(f.GetSheetName(0), exportSheet)

	headers := []string{
		"Time (UTC)", "Job Key", "Entity Type", "Internal ID", "Provider",
		"External ID", "Outcome", "Error Kind", "Message", "Attempt",
		"Latency (ms)", "Correlation ID",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(exportSheet, cell, h)
	}

	for rowIdx, rec := range records {
		values := []interface{}{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.JobKey,
			string(rec.EntityType),
			rec.InternalId,
			rec.Provider,
			rec.ExternalId,
			string(rec.Outcome),
			rec.ErrorKind,
			rec.Message,
			rec.Attempt,
			rec.LatencyMs,
			rec.CorrelationId,
		}
		for colIdx, v := range values {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			f.SetCellValue(exportSheet, cell, v)
		}
	}

	if err := f.AutoFilter(exportSheet, fmt.Sprintf("A1:L%d", len(records)+1), nil); err != nil {
		return nil, err
	}
	return f, nil
}
