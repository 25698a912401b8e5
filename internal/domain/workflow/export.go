package workflow

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/portal/internal/domain/directory"
)

const exportPageSize = 200

type exportColumn struct {
	header string
	width  float64
	value  func(*directory.Identity) any
}

var commonColumns = []exportColumn{
	{"ID", 10, func(i *directory.Identity) any { return i.ID }},
	{"Name", 28, func(i *directory.Identity) any { return i.DisplayName }},
	{"Account", 44, func(i *directory.Identity) any { return i.AccountRef }},
	{"Email", 30, func(i *directory.Identity) any { return i.ContactEmail }},
	{"Registered At", 22, func(i *directory.Identity) any { return i.RegisteredAt.UTC().Format(time.RFC3339) }},
}

var roleColumns = map[directory.Role][]exportColumn{
	directory.RolePatient: {
		{"Date of Birth", 14, func(i *directory.Identity) any { return i.Profile.DateOfBirth }},
		{"Gender", 10, func(i *directory.Identity) any { return i.Profile.Gender }},
		{"Blood Group", 12, func(i *directory.Identity) any { return i.Profile.BloodGroup }},
	},
	directory.RoleDoctor: {
		{"Hospital", 28, func(i *directory.Identity) any { return i.Profile.HospitalName }},
		{"Specialization", 20, func(i *directory.Identity) any { return i.Profile.Specialization }},
		{"Department", 20, func(i *directory.Identity) any { return i.Profile.Department }},
		{"Designation", 20, func(i *directory.Identity) any { return i.Profile.Designation }},
	},
}

var sheetNames = map[directory.Role]string{
	directory.RolePatient: "Patients",
	directory.RoleDoctor:  "Doctors",
}

// exportDirectory writes one sheet per namespace, header row frozen.
func exportDirectory(ctx context.Context, dir *directory.Service, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("export: header style: %w", err)
	}

	for i, role := range directory.Roles {
		sheet := sheetNames[role]
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return fmt.Errorf("export: rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("export: new sheet: %w", err)
		}
		cols := append(append([]exportColumn(nil), commonColumns...), roleColumns[role]...)
		if err := writeHeader(f, sheet, cols, headerStyle); err != nil {
			return err
		}
		if err := writeRows(ctx, f, sheet, cols, dir, role); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: write workbook: %w", err)
	}
	return nil
}

func writeHeader(f *excelize.File, sheet string, cols []exportColumn, style int) error {
	for i, col := range cols {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, col.header); err != nil {
			return fmt.Errorf("export: header %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("export: header style %s: %w", cell, err)
		}
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, name, name, col.width); err != nil {
			return fmt.Errorf("export: column width: %w", err)
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeRows(ctx context.Context, f *excelize.File, sheet string, cols []exportColumn, dir *directory.Service, role directory.Role) error {
	row := 2
	for offset := 0; ; offset += exportPageSize {
		items, total, err := dir.List(ctx, role, exportPageSize, offset)
		if err != nil {
			return err
		}
		for _, ident := range items {
			values := make([]any, len(cols))
			for i, col := range cols {
				values[i] = col.value(ident)
			}
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, cell, &values); err != nil {
				return fmt.Errorf("export: row %d: %w", row, err)
			}
			row++
		}
		if len(items) == 0 || offset+len(items) >= total {
			return nil
		}
	}
}
