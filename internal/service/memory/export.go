package memory

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// ParseExportFormat 解析导出格式，空值视为 json
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportJSON:
		return ExportJSON, nil
	case ExportCSV:
		return ExportCSV, nil
	default:
		return "", apperr.BadRequest("export", "unsupported export format %q", s)
	}
}

var csvHeader = []string{
	"id", "role", "conversation_id", "sequence",
	"original_value", "original_value_data_type", "original_value_sha256",
	"converted_value", "converted_value_data_type", "converted_value_sha256",
	"labels", "prompt_metadata", "converter_identifiers",
	"prompt_target_identifier", "orchestrator_identifier", "scorer_identifier",
	"response_error", "original_prompt_id", "timestamp", "scores",
}

// Export 将满足条件的 piece（含评分）写出
func (s *Store) Export(ctx context.Context, w io.Writer, format ExportFormat, filter *model.PieceFilter) error {
	pieces := s.GetPieces(ctx, filter)
	if pieces == nil {
		pieces = []*model.PromptRequestPiece{}
	}
	switch format {
	case ExportJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(pieces); err != nil {
			return fmt.Errorf("failed to encode pieces: %w", err)
		}
		return nil
	case ExportCSV:
		return writeCSV(w, pieces)
	default:
		return apperr.BadRequest("export", "unsupported export format %q", format)
	}
}

// ExportToFile 导出到文件，目录不存在时创建
func (s *Store) ExportToFile(ctx context.Context, path string, format ExportFormat, filter *model.PieceFilter) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := s.Export(ctx, f, format, filter); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeCSV(w io.Writer, pieces []*model.PromptRequestPiece) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, p := range pieces {
		record := []string{
			p.ID, string(p.Role), p.ConversationID, strconv.Itoa(p.Sequence),
			p.OriginalValue, string(p.OriginalValueDataType), p.OriginalValueSHA256,
			p.ConvertedValue, string(p.ConvertedValueDataType), p.ConvertedValueSHA256,
			jsonCell(p.Labels), jsonCell(p.PromptMetadata), jsonCell(p.ConverterIdentifiers),
			jsonCell(p.PromptTargetIdentifier), jsonCell(p.OrchestratorIdentifier), jsonCell(p.ScorerIdentifier),
			string(p.ResponseError), p.OriginalPromptID, p.Timestamp.Format(time.RFC3339Nano), jsonCell(p.Scores),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// jsonCell 复合字段以 JSON 字符串写入单元格
func jsonCell(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
