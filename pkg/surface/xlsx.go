package surface

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/sspi-data/sspi/pkg/scoring"
)

const (
	scoresSheet = "Scores"
	linesSheet  = "Lines"
)

var scoreHeader = []any{
	"config_hash", "item_code", "item_type", "country_code", "year",
	"score", "rank", "imputed", "imputation_method", "imputation_distance", "error",
}

// XLSXRenderer writes a workbook with one row per ScoreDoc on the Scores
// sheet and one row per LineDoc on the Lines sheet.
type XLSXRenderer struct{}

func (r *XLSXRenderer) Render(w io.Writer, result *scoring.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", scoresSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if err := writeRow(f, scoresSheet, 1, scoreHeader); err != nil {
		return err
	}
	for i, d := range result.Scores {
		row := []any{
			d.ConfigHash, d.ItemCode, d.ItemType, d.CountryCode, d.Year,
			nil, nil, d.Imputed, string(d.ImputationMethod), d.ImputationDistance, d.Error,
		}
		if d.Score != nil {
			row[5] = *d.Score
		}
		if d.Rank != nil {
			row[6] = *d.Rank
		}
		if err := writeRow(f, scoresSheet, i+2, row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(linesSheet); err != nil {
		return fmt.Errorf("creating sheet: %w", err)
	}
	if len(result.Lines) > 0 {
		header := []any{"ICode", "IName", "IType", "CCode"}
		for _, y := range result.Lines[0].Years {
			header = append(header, y)
		}
		if err := writeRow(f, linesSheet, 1, header); err != nil {
			return err
		}
		for i, ld := range result.Lines {
			row := []any{ld.ICode, ld.IName, ld.IType, ld.CCode}
			for _, s := range ld.Score {
				if s == nil {
					row = append(row, nil)
				} else {
					row = append(row, *s)
				}
			}
			if err := writeRow(f, linesSheet, i+2, row); err != nil {
				return err
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("writing %s row %d: %w", sheet, row, err)
	}
	return nil
}
