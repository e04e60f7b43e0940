package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/storage/models"
)

func generateTestRecords() []models.TxRecord {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(i int, side, fee string) models.TxRecord {
		return models.TxRecord{
			TxID:      "sig-" + side + "-" + string(rune('a'+i)),
			UserID:    "u1",
			Side:      side,
			TokenMint: "So11111111111111111111111111111111111111112",
			Amount:    decimal.NewFromInt(int64(i + 1)),
			Price:     decimal.RequireFromString("0.25"),
			Fee:       decimal.RequireFromString(fee),
			Status:    models.StatusSuccess,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}
	}
	// deliberately out of order
	return []models.TxRecord{
		mk(2, "sell", "0.03"),
		mk(0, "buy", "0.005"),
		mk(1, "withdraw", "0"),
	}
}

func TestExportHistoryCSV(t *testing.T) {
	exporter := NewHistoryExporter(zap.NewNop())

	outputPath, err := exporter.ExportHistory("u1", generateTestRecords(), ExportOptions{
		Format:    FormatCSV,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	f, err := os.Open(outputPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 4)
	assert.Equal(t, CSVHeaders(), rows[0])
	assert.Equal(t, "buy", rows[1][2], "sorted by time")
	assert.Equal(t, "withdraw", rows[2][2])
	assert.Equal(t, "0.03", rows[3][6])
}

func TestExportHistoryJSON_WithFilter(t *testing.T) {
	exporter := NewHistoryExporter(zap.NewNop())

	outputPath, err := exporter.ExportHistory("u1", generateTestRecords(), ExportOptions{
		Format:     FormatJSON,
		SideFilter: "sell",
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	var out struct {
		RecordCount int           `json:"record_count"`
		Summary     ExportSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 1, out.RecordCount)
	assert.Equal(t, 1, out.Summary.SellCount)
	assert.Equal(t, "0.03", out.Summary.TotalFees.String())
}

func TestExportHistory_NoMatches(t *testing.T) {
	exporter := NewHistoryExporter(zap.NewNop())
	_, err := exporter.ExportHistory("u1", generateTestRecords(), ExportOptions{
		Format:    FormatCSV,
		StartTime: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		OutputDir: t.TempDir(),
	})
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s := Summarize(generateTestRecords())
	assert.Equal(t, 3, s.TotalRecords)
	assert.Equal(t, 1, s.BuyCount)
	assert.Equal(t, 1, s.Withdrawals)
	assert.Equal(t, "0.035", s.TotalFees.String())
}
