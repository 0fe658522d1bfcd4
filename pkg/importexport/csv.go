package importexport

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/logger"
	"github.com/smith3v/flashsync/pkg/study"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

const maxDelimiterSampleRecords = 20

// ParseCardsCSV reads question/answer rows. The delimiter is detected from
// comma, tab and semicolon; a leading BOM and a header row are ignored. Rows
// with a missing side are counted as skipped.
func ParseCardsCSV(data []byte) ([]study.CardInput, int, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	delimiter := detectCSVDelimiter(data)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1

	var rows []study.CardInput
	skipped := 0
	checkedHeader := false

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, err
		}
		if isEmptyCSVRecord(record) {
			skipped++
			continue
		}
		if !checkedHeader {
			checkedHeader = true
			if isHeaderRecord(record) {
				continue
			}
		}
		if len(record) < 2 {
			skipped++
			continue
		}
		question := strings.TrimSpace(record[0])
		answer := strings.TrimSpace(record[1])
		if question == "" || answer == "" {
			skipped++
			continue
		}
		rows = append(rows, study.CardInput{
			Question: question,
			Answer:   answer,
		})
	}

	return rows, skipped, nil
}

func detectCSVDelimiter(data []byte) rune {
	candidates := []rune{',', '\t', ';'}
	bestDelimiter := candidates[0]
	bestScore := -1

	for _, delimiter := range candidates {
		score, err := scoreDelimiter(data, delimiter, maxDelimiterSampleRecords)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			bestDelimiter = delimiter
		}
	}

	if bestScore <= 0 {
		return ','
	}
	return bestDelimiter
}

func scoreDelimiter(data []byte, delimiter rune, maxRecords int) (int, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1

	counts := make(map[int]int)
	recordsSeen := 0

	for recordsSeen < maxRecords {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if isEmptyCSVRecord(record) {
			continue
		}
		recordsSeen++

		if len(record) < 2 {
			continue
		}
		counts[len(record)]++
	}

	best := 0
	for _, score := range counts {
		if score > best {
			best = score
		}
	}
	return best, nil
}

func isEmptyCSVRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

var headerNames = map[string]struct{}{
	"question": {},
	"answer":   {},
	"front":    {},
	"back":     {},
}

func isHeaderRecord(record []string) bool {
	if len(record) < 2 {
		return false
	}
	_, leftOK := headerNames[strings.ToLower(strings.TrimSpace(record[0]))]
	_, rightOK := headerNames[strings.ToLower(strings.TrimSpace(record[1]))]
	return leftOK && rightOK
}

// Cards is the part of the study service used by Import.
type Cards interface {
	DeckCards(ctx context.Context, deckID string) ([]db.Card, error)
	AddCard(ctx context.Context, deckID string, in study.CardInput) (db.Card, error)
	EditCard(ctx context.Context, id string, in study.CardInput) (db.Card, error)
}

// Result counts what an import did.
type Result struct {
	Inserted  int
	Updated   int
	Unchanged int
	Skipped   int
}

// Import adds rows to the deck. A row whose question already exists in the
// deck updates that card's answer instead. Every change is queued for sync.
func Import(ctx context.Context, cards Cards, deckID string, data []byte) (Result, error) {
	rows, skipped, err := ParseCardsCSV(data)
	if err != nil {
		return Result{}, fmt.Errorf("parse csv: %w", err)
	}
	result := Result{Skipped: skipped}
	if len(rows) == 0 {
		return result, nil
	}

	existing, err := cards.DeckCards(ctx, deckID)
	if err != nil {
		return result, err
	}
	byQuestion := make(map[string]db.Card, len(existing))
	for _, card := range existing {
		byQuestion[card.Question] = card
	}

	for _, row := range rows {
		card, ok := byQuestion[row.Question]
		switch {
		case ok && card.Answer == row.Answer:
			result.Unchanged++
		case ok:
			updated, err := cards.EditCard(ctx, card.ID, row)
			if err != nil {
				return result, err
			}
			byQuestion[row.Question] = updated
			result.Updated++
		default:
			created, err := cards.AddCard(ctx, deckID, row)
			if errors.Is(err, study.ErrInvalidInput) {
				result.Skipped++
				continue
			}
			if err != nil {
				return result, err
			}
			byQuestion[row.Question] = created
			result.Inserted++
		}
	}

	logger.Info("cards imported", "deck_id", deckID,
		"inserted", result.Inserted, "updated", result.Updated,
		"unchanged", result.Unchanged, "skipped", result.Skipped)
	return result, nil
}

// BuildExportCSV writes cards as BOM-prefixed CSV with CRLF line endings,
// sorted by question.
func BuildExportCSV(cards []db.Card) ([]byte, error) {
	sorted := append([]db.Card(nil), cards...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Question == sorted[j].Question {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Question < sorted[j].Question
	})

	var buf bytes.Buffer
	if _, err := buf.Write(utf8BOM); err != nil {
		return nil, err
	}

	writer := csv.NewWriter(&buf)
	writer.UseCRLF = true

	for _, card := range sorted {
		if err := writer.Write([]string{card.Question, card.Answer}); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func ExportFilename(deckName string, now time.Time) string {
	slug := strings.Trim(unsafeFilenameChars.ReplaceAllString(strings.ToLower(deckName), "-"), "-")
	if slug == "" {
		slug = "deck"
	}
	return fmt.Sprintf("%s-%s.csv", slug, now.Format("20060102"))
}
