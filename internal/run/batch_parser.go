package run

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
)

// BatchTask is one row of a batch input file. RowIndex is the 1-based
// position of the row among the data rows, header excluded.
type BatchTask struct {
	RowIndex    int
	ID          string
	Prompt      string
	Attachments []string
	Vars        map[string]any
}

// ParseTaskFile reads batch tasks from a CSV or XLSX file.
func ParseTaskFile(path string, r io.Reader) ([]BatchTask, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseCSVTasks(r)
	case ".xlsx":
		return parseXLSXTasks(r)
	default:
		return nil, apperrors.Validation("batch file must be .csv or .xlsx").
			WithDetail("filename", filepath.Base(path))
	}
}

func parseCSVTasks(r io.Reader) ([]BatchTask, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, apperrors.Validation("invalid CSV file").WithCause(err)
	}
	return tasksFromRows(rows)
}

func parseXLSXTasks(r io.Reader) ([]BatchTask, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperrors.Validation("invalid XLSX file").WithCause(err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, apperrors.Validation("XLSX file has no sheets")
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, apperrors.Validation("failed to read XLSX rows").WithCause(err)
	}
	return tasksFromRows(rows)
}

// tasksFromRows interprets the first row as a header and maps the recognized
// columns. Column names are matched case-insensitively.
func tasksFromRows(rows [][]string) ([]BatchTask, error) {
	if len(rows) == 0 {
		return nil, apperrors.Validation("batch file is empty")
	}

	idCol, promptCol, attachCol, varsCol := -1, -1, -1, -1
	for i, name := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id", "task_id":
			idCol = i
		case "task", "prompt":
			promptCol = i
		case "attachments":
			attachCol = i
		case "vars", "variables":
			varsCol = i
		}
	}
	if promptCol < 0 && attachCol < 0 {
		return nil, apperrors.Validation("batch file needs a task or attachments column")
	}

	cell := func(row []string, col int) string {
		if col < 0 || col >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[col])
	}

	var tasks []BatchTask
	seen := make(map[string]bool)
	for i, row := range rows[1:] {
		line := i + 2
		if isBlankRow(row) {
			continue
		}
		task := BatchTask{
			RowIndex: i + 1,
			ID:       cell(row, idCol),
			Prompt:   cell(row, promptCol),
		}
		if task.ID == "" {
			task.ID = fmt.Sprintf("task_%03d", len(tasks)+1)
		}
		if seen[task.ID] {
			return nil, apperrors.Validation("duplicate task id").
				WithDetail("task_id", task.ID).
				WithDetail("line", line)
		}
		seen[task.ID] = true

		if raw := cell(row, attachCol); raw != "" {
			task.Attachments = parseAttachmentsCell(raw)
		}
		if raw := cell(row, varsCol); raw != "" {
			vars, err := parseVarsCell(raw)
			if err != nil {
				return nil, apperrors.Validation("invalid vars cell").
					WithDetail("task_id", task.ID).
					WithDetail("line", line).
					WithCause(err)
			}
			task.Vars = vars
		}
		if task.Prompt == "" && len(task.Attachments) == 0 {
			return nil, apperrors.Validation("task needs a prompt or attachments").
				WithDetail("task_id", task.ID).
				WithDetail("line", line)
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, apperrors.Validation("batch file has no tasks")
	}
	return tasks, nil
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// parseAttachmentsCell accepts a JSON string list or a semicolon/comma
// separated list of paths.
func parseAttachmentsCell(raw string) []string {
	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return compactStrings(list)
		}
	}
	sep := ";"
	if !strings.Contains(raw, ";") {
		sep = ","
	}
	return compactStrings(strings.Split(raw, sep))
}

func compactStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseVarsCell accepts a JSON object or key=value pairs separated by
// semicolons.
func parseVarsCell(raw string) (map[string]any, error) {
	if strings.HasPrefix(raw, "{") {
		var vars map[string]any
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			return nil, err
		}
		return vars, nil
	}
	vars := make(map[string]any)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		vars[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return vars, nil
}
