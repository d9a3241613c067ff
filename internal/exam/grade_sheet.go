package exam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"cbtscore/internal/question"
)

var gradeSheetHeaders = []string{"submission_id", "student_id", "question_id", "order_index", "max_points", "answer", "points", "feedback"}

type GradeSheetRowError struct {
	Row          int    `json:"row"`
	SubmissionID int64  `json:"submission_id,omitempty"`
	QuestionID   int64  `json:"question_id,omitempty"`
	Error        string `json:"error"`
}

type GradeSheetReport struct {
	TotalRows   int                  `json:"total_rows"`
	SuccessRows int                  `json:"success_rows"`
	SkippedRows int                  `json:"skipped_rows"`
	FailedRows  int                  `json:"failed_rows"`
	Errors      []GradeSheetRowError `json:"errors"`
}

// ExportEssayGradeSheet writes one row per essay answer of every finalized
// submission of the exam. Graders fill the points and feedback columns and
// upload the file back through ImportEssayGradeSheet.
func (s *Service) ExportEssayGradeSheet(ctx context.Context, examID int64) ([]byte, error) {
	if _, err := s.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	questions, err := question.LoadForExam(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectSubmissionColumns+`
		WHERE exam_id = $1 AND submitted_at IS NOT NULL
		ORDER BY student_id ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query finalized submissions: %w", err)
	}
	subs := make([]Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate finalized submissions: %w", err)
	}
	rows.Close()

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	for i, h := range gradeSheetHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, sub := range subs {
		answers, err := loadAnswers(ctx, s.db, sub.ID)
		if err != nil {
			return nil, err
		}
		for _, q := range questions {
			if q.Type != question.TypeEssay {
				continue
			}
			var (
				text     string
				points   any
				feedback string
			)
			if a, ok := answers[q.ID]; ok {
				if resp, err := question.DecodeResponse(q, a.Payload); err == nil {
					text = resp.Text
				}
				if a.GradeValue != nil {
					points = *a.GradeValue
				}
				if a.Feedback != nil {
					feedback = *a.Feedback
				}
			}
			values := []any{sub.ID, sub.StudentID, q.ID, q.OrderIndex, q.Points, text, points, feedback}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				_ = f.SetCellValue(sheet, cell, v)
			}
			row++
		}
	}
	_ = f.SetColWidth(sheet, "A", "E", 14)
	_ = f.SetColWidth(sheet, "F", "F", 60)
	_ = f.SetColWidth(sheet, "G", "H", 24)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

// ImportEssayGradeSheet applies the points column of a grade sheet. Rows with
// an empty points cell are skipped; every other row goes through
// GradeEssayAnswer and failures are reported per row.
func (s *Service) ImportEssayGradeSheet(ctx context.Context, examID, gradedBy int64, r io.Reader) (*GradeSheetReport, error) {
	if _, err := s.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &question.ValidationError{Field: "file", Reason: "is not a readable xlsx workbook", Err: ErrInvalidInput}
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &question.ValidationError{Field: "file", Reason: "has no sheets", Err: ErrInvalidInput}
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) < 2 {
		return nil, &question.ValidationError{Field: "file", Reason: "has no data rows", Err: ErrInvalidInput}
	}

	header := map[string]int{}
	for i, h := range rows[0] {
		header[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"submission_id", "question_id", "points"} {
		if _, ok := header[col]; !ok {
			return nil, &question.ValidationError{Field: "file", Reason: "missing column " + col, Err: ErrInvalidInput}
		}
	}

	report := &GradeSheetReport{Errors: make([]GradeSheetRowError, 0)}
	fail := func(rowNo int, subID, qID int64, msg string) {
		report.FailedRows++
		report.Errors = append(report.Errors, GradeSheetRowError{Row: rowNo, SubmissionID: subID, QuestionID: qID, Error: msg})
	}

	for i := 1; i < len(rows); i++ {
		rowNo := i + 1
		row := rows[i]
		get := func(key string) string {
			idx, ok := header[key]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		if get("submission_id") == "" && get("question_id") == "" {
			continue
		}
		report.TotalRows++

		subID, err1 := strconv.ParseInt(get("submission_id"), 10, 64)
		qID, err2 := strconv.ParseInt(get("question_id"), 10, 64)
		if err1 != nil || err2 != nil {
			fail(rowNo, subID, qID, "submission_id and question_id must be integers")
			continue
		}
		rawPoints := get("points")
		if rawPoints == "" {
			report.SkippedRows++
			continue
		}
		points, err := strconv.ParseFloat(rawPoints, 64)
		if err != nil {
			fail(rowNo, subID, qID, "points must be a number")
			continue
		}

		// an empty cell keeps whatever feedback is already stored
		var feedback *string
		if v := get("feedback"); v != "" {
			feedback = &v
		}

		sub, err := s.loadSubmission(ctx, s.db, subID, false)
		if err != nil {
			fail(rowNo, subID, qID, err.Error())
			continue
		}
		if sub.ExamID != examID {
			fail(rowNo, subID, qID, "submission belongs to another exam")
			continue
		}

		_, err = s.GradeEssayAnswer(ctx, GradeEssayInput{
			SubmissionID: subID,
			QuestionID:   qID,
			Points:       points,
			Feedback:     feedback,
			GradedBy:     gradedBy,
		})
		if err != nil {
			var verr *question.ValidationError
			if errors.As(err, &verr) {
				fail(rowNo, subID, qID, verr.Field+" "+verr.Reason)
				continue
			}
			if Code(err) == "internal" {
				return nil, err
			}
			fail(rowNo, subID, qID, Code(err))
			continue
		}
		report.SuccessRows++
	}
	return report, nil
}
