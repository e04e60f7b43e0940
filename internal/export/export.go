package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/storage/models"
)

// ExportFormat represents the export file format
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ExportOptions configures the export behavior
type ExportOptions struct {
	Format     ExportFormat
	StartTime  time.Time
	EndTime    time.Time
	SideFilter string // buy / sell / withdraw
	OutputDir  string
}

// ExportSummary aggregates the exported records.
type ExportSummary struct {
	TotalRecords int             `json:"total_records"`
	BuyCount     int             `json:"buy_count"`
	SellCount    int             `json:"sell_count"`
	Withdrawals  int             `json:"withdrawals"`
	TotalFees    decimal.Decimal `json:"total_fees"`
	StartDate    time.Time       `json:"start_date"`
	EndDate      time.Time       `json:"end_date"`
}

// HistoryExporter writes a user's ledger history to disk
type HistoryExporter struct {
	logger *zap.Logger
}

func NewHistoryExporter(logger *zap.Logger) *HistoryExporter {
	return &HistoryExporter{logger: logger.Named("export")}
}

// CSVHeaders returns the column order used by ToCSV.
func CSVHeaders() []string {
	return []string{"timestamp", "user_id", "side", "token_mint", "amount", "price", "fee", "status", "tx_id"}
}

// ToCSV renders one record as a CSV row.
func ToCSV(r models.TxRecord) []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.UserID,
		r.Side,
		r.TokenMint,
		r.Amount.String(),
		r.Price.String(),
		r.Fee.String(),
		r.Status,
		r.TxID,
	}
}

// ExportHistory exports records matching options and returns the file path.
func (he *HistoryExporter) ExportHistory(userID string, records []models.TxRecord, options ExportOptions) (string, error) {
	filtered := lo.Filter(records, func(r models.TxRecord, _ int) bool {
		if !options.StartTime.IsZero() && r.Timestamp.Before(options.StartTime) {
			return false
		}
		if !options.EndTime.IsZero() && r.Timestamp.After(options.EndTime) {
			return false
		}
		return options.SideFilter == "" || r.Side == options.SideFilter
	})
	if len(filtered) == 0 {
		return "", fmt.Errorf("no records match the export criteria")
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(options.OutputDir, generateFilename(userID, options))

	var err error
	switch options.Format {
	case FormatCSV:
		err = exportToCSV(filtered, outputPath)
	case FormatJSON:
		err = exportToJSON(filtered, outputPath)
	default:
		err = fmt.Errorf("unsupported format: %s", options.Format)
	}
	if err != nil {
		return "", err
	}

	he.logger.Info("History exported",
		zap.String("user_id", userID),
		zap.String("file", outputPath),
		zap.Int("count", len(filtered)),
		zap.String("format", string(options.Format)))
	return outputPath, nil
}

func generateFilename(userID string, options ExportOptions) string {
	side := options.SideFilter
	if side == "" {
		side = "all"
	}
	return fmt.Sprintf("history_%s_%s_%s.%s", userID, side, time.Now().Format("20060102_150405"), options.Format)
}

func exportToCSV(records []models.TxRecord, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(CSVHeaders()); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, r := range records {
		if err := writer.Write(ToCSV(r)); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func exportToJSON(records []models.TxRecord, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	exportData := struct {
		ExportTime  time.Time         `json:"export_time"`
		RecordCount int               `json:"record_count"`
		Records     []models.TxRecord `json:"records"`
		Summary     ExportSummary     `json:"summary"`
	}{
		ExportTime:  time.Now(),
		RecordCount: len(records),
		Records:     records,
		Summary:     Summarize(records),
	}

	if err := encoder.Encode(exportData); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// Summarize calculates summary statistics over time-ordered records.
func Summarize(records []models.TxRecord) ExportSummary {
	summary := ExportSummary{TotalRecords: len(records), TotalFees: decimal.Zero}
	if len(records) == 0 {
		return summary
	}
	summary.StartDate = records[0].Timestamp
	summary.EndDate = records[len(records)-1].Timestamp

	for _, r := range records {
		switch r.Side {
		case "buy":
			summary.BuyCount++
		case "sell":
			summary.SellCount++
		case "withdraw":
			summary.Withdrawals++
		}
		if r.Status == models.StatusSuccess {
			summary.TotalFees = summary.TotalFees.Add(r.Fee)
		}
	}
	return summary
}
