package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"horse.fit/bibshelf/internal/dedup"
	"horse.fit/bibshelf/internal/globaltime"
	"horse.fit/bibshelf/internal/record"
)

// CollectionInfo is the slim read model import and crawl flows need when
// resolving a destination collection.
type CollectionInfo struct {
	CollectionID string    `json:"collection_id"`
	Title        string    `json:"title"`
	Description  *string   `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PaperRecord carries one paper's writable fields into insert and
// versioned-update queries.
type PaperRecord struct {
	PaperID   string
	Candidate record.Candidate
}

// GetCollection returns one collection by ID, or ErrNoRows.
func (p *Pool) GetCollection(ctx context.Context, collectionID string) (*CollectionInfo, error) {
	trimmed := strings.TrimSpace(collectionID)
	if trimmed == "" {
		return nil, fmt.Errorf("collection ID is required")
	}

	const q = `
SELECT
	c.collection_id,
	c.title,
	c.description,
	c.created_at
FROM bib.collections c
WHERE c.collection_id = $1
`

	var info CollectionInfo
	if err := p.QueryRow(ctx, q, trimmed).Scan(
		&info.CollectionID,
		&info.Title,
		&info.Description,
		&info.CreatedAt,
	); err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query collection: %w", err)
	}
	return &info, nil
}

// CreateCollection inserts a collection row. Crawl tasks in create_new
// mode call this once per run with a date-suffixed ID.
func (p *Pool) CreateCollection(ctx context.Context, collectionID, title string, createdBy *string) error {
	trimmed := strings.TrimSpace(collectionID)
	if trimmed == "" {
		return fmt.Errorf("collection ID is required")
	}

	const q = `
INSERT INTO bib.collections (collection_id, title, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
`

	now := globaltime.Now()
	if _, err := p.Exec(ctx, q, trimmed, title, createdBy, now); err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	return nil
}

// ListCollectionPaperKeys loads the dedup projection of every paper in
// one collection. This is the only per-import bulk read; candidates are
// then matched in memory.
func (p *Pool) ListCollectionPaperKeys(ctx context.Context, collectionID string) ([]dedup.PaperKeys, error) {
	const q = `
SELECT
	pa.paper_id,
	pa.title,
	pa.normalized_title,
	COALESCE(pa.authors, '[]'::jsonb),
	COALESCE(pa.year, 0),
	COALESCE(pa.venue, ''),
	pa.version,
	COALESCE(pa.bibtex_key, ''),
	COALESCE(pa.arxiv_id, ''),
	COALESCE(pa.doi, '')
FROM bib.collection_papers cp
JOIN bib.papers pa
	ON pa.paper_id = cp.paper_id
WHERE cp.collection_id = $1
ORDER BY cp.display_order, cp.membership_id
`

	rows, err := p.Query(ctx, q, collectionID)
	if err != nil {
		return nil, fmt.Errorf("query collection paper keys: %w", err)
	}
	defer rows.Close()

	keys := make([]dedup.PaperKeys, 0, 64)
	for rows.Next() {
		var (
			row        dedup.PaperKeys
			authorsRaw []byte
		)
		if err := rows.Scan(
			&row.PaperID,
			&row.Title,
			&row.NormalizedTitle,
			&authorsRaw,
			&row.Year,
			&row.Venue,
			&row.Version,
			&row.BibtexKey,
			&row.ArxivID,
			&row.DOI,
		); err != nil {
			return nil, fmt.Errorf("scan paper key row: %w", err)
		}
		if len(authorsRaw) > 0 {
			if err := json.Unmarshal(authorsRaw, &row.Authors); err != nil {
				return nil, fmt.Errorf("decode authors for paper %s: %w", row.PaperID, err)
			}
		}
		keys = append(keys, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paper key rows: %w", err)
	}
	return keys, nil
}

// InsertPaperWithMembership creates a paper and its membership row in one
// transaction. The display order lands after the collection's current tail.
func (p *Pool) InsertPaperWithMembership(ctx context.Context, rec PaperRecord, collectionID string) error {
	tx, err := p.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin insert-paper tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	cand := rec.Candidate
	authorsJSON, err := json.Marshal(cand.Authors)
	if err != nil {
		return fmt.Errorf("encode authors: %w", err)
	}
	tagsJSON, err := json.Marshal(cand.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	const insertPaper = `
INSERT INTO bib.papers (
	paper_id, title, normalized_title, authors, venue, year,
	abstract, summary, status, bibtex_key, arxiv_id, doi,
	url_arxiv, url_pdf, url_code, url_project, tags,
	version, created_at, updated_at
)
VALUES (
	$1, $2, $3, $4::jsonb, $5, $6,
	$7, $8, $9, $10, $11, $12,
	$13, $14, $15, $16, $17::jsonb,
	1, $18, $18
)
`

	now := globaltime.Now()
	if _, err := tx.Exec(ctx, insertPaper,
		rec.PaperID,
		cand.Title,
		record.NormalizeTitle(cand.Title),
		string(authorsJSON),
		nullIfEmpty(cand.Venue),
		nullIfZero(cand.Year),
		nullIfEmpty(cand.Abstract),
		nullIfEmpty(cand.Summary),
		cand.Status,
		nullIfEmpty(cand.BibtexKey),
		nullIfEmpty(cand.ArxivID),
		nullIfEmpty(cand.DOI),
		nullIfEmpty(cand.URLArxiv),
		nullIfEmpty(cand.URLPDF),
		nullIfEmpty(cand.URLCode),
		nullIfEmpty(cand.URLProject),
		string(tagsJSON),
		now,
	); err != nil {
		return fmt.Errorf("insert paper: %w", err)
	}

	const insertMembership = `
INSERT INTO bib.collection_papers (collection_id, paper_id, display_order, added_at)
SELECT $1, $2, COALESCE(MAX(display_order), 0) + 1, $3
FROM bib.collection_papers
WHERE collection_id = $1
ON CONFLICT (collection_id, paper_id) DO NOTHING
`

	if _, err := tx.Exec(ctx, insertMembership, collectionID, rec.PaperID, now); err != nil {
		return fmt.Errorf("insert collection membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert-paper tx: %w", err)
	}
	return nil
}

// UpdatePaperVersioned overwrites a paper's fields only if the stored
// version still equals expectedVersion. Returns false when another writer
// got there first.
func (p *Pool) UpdatePaperVersioned(ctx context.Context, rec PaperRecord, expectedVersion int64) (bool, error) {
	cand := rec.Candidate
	authorsJSON, err := json.Marshal(cand.Authors)
	if err != nil {
		return false, fmt.Errorf("encode authors: %w", err)
	}
	tagsJSON, err := json.Marshal(cand.Tags)
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}

	const q = `
UPDATE bib.papers
SET
	title = $2,
	normalized_title = $3,
	authors = $4::jsonb,
	venue = $5,
	year = $6,
	abstract = $7,
	summary = $8,
	status = $9,
	bibtex_key = $10,
	arxiv_id = $11,
	doi = $12,
	url_arxiv = $13,
	url_pdf = $14,
	url_code = $15,
	url_project = $16,
	tags = $17::jsonb,
	version = version + 1,
	updated_at = $18
WHERE paper_id = $1
  AND version = $19
`

	tag, err := p.Exec(ctx, q,
		rec.PaperID,
		cand.Title,
		record.NormalizeTitle(cand.Title),
		string(authorsJSON),
		nullIfEmpty(cand.Venue),
		nullIfZero(cand.Year),
		nullIfEmpty(cand.Abstract),
		nullIfEmpty(cand.Summary),
		cand.Status,
		nullIfEmpty(cand.BibtexKey),
		nullIfEmpty(cand.ArxivID),
		nullIfEmpty(cand.DOI),
		nullIfEmpty(cand.URLArxiv),
		nullIfEmpty(cand.URLPDF),
		nullIfEmpty(cand.URLCode),
		nullIfEmpty(cand.URLProject),
		string(tagsJSON),
		globaltime.Now(),
		expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update paper: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountCollectionPapers returns the membership count of one collection.
func (p *Pool) CountCollectionPapers(ctx context.Context, collectionID string) (int, error) {
	const q = `
SELECT COUNT(*)
FROM bib.collection_papers
WHERE collection_id = $1
`

	var count int
	if err := p.QueryRow(ctx, q, collectionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count collection papers: %w", err)
	}
	return count, nil
}

func nullIfEmpty(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nullIfZero(value int) *int {
	if value == 0 {
		return nil
	}
	return &value
}
