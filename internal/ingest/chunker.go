package ingest

import (
	"strings"

	"github.com/google/uuid"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/clients"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
)

// Chunk is one slice of extracted document text, the unit of embedding
// and retrieval.
type Chunk struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	PageSpan []int  `json:"pages"`
	Length   int    `json:"length"`
	JobID    string `json:"job_id,omitempty"`
}

// CreateChunks walks the extracted pages sentence by sentence and emits a
// chunk whenever appending the next sentence would push the running text
// past chunkSize. When overlap > 0 each new chunk starts with the last
// overlap characters of the previous one and inherits its last page number;
// with overlap 0 a new chunk starts fresh on the current page. Pages whose
// stripped text is empty contribute nothing. The trailing chunk is emitted
// whenever it is non-empty.
func CreateChunks(pages []clients.PageText, chunkSize, overlap int) ([]Chunk, error) {
	if chunkSize < 1 {
		return nil, fault.InvalidInput("chunk size must be at least 1")
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fault.InvalidInput("overlap must be non-negative and smaller than chunk size")
	}

	var chunks []Chunk
	current := ""
	var currentPages []int

	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}

		for _, sentence := range strings.Split(page.Text, ". ") {
			if len(current)+len(sentence) > chunkSize && current != "" {
				chunks = append(chunks, Chunk{
					ID:       uuid.New().String(),
					Text:     strings.TrimSpace(current),
					PageSpan: append([]int(nil), currentPages...),
					Length:   len(current),
				})

				if overlap > 0 {
					tail := current
					if len(tail) > overlap {
						tail = tail[len(tail)-overlap:]
					}
					current = tail + sentence + ". "
					currentPages = currentPages[len(currentPages)-1:]
				} else {
					current = sentence + ". "
					currentPages = []int{page.Page}
				}
				continue
			}

			current += sentence + ". "
			if !containsPage(currentPages, page.Page) {
				currentPages = append(currentPages, page.Page)
			}
		}
	}

	if strings.TrimSpace(current) != "" {
		chunks = append(chunks, Chunk{
			ID:       uuid.New().String(),
			Text:     strings.TrimSpace(current),
			PageSpan: append([]int(nil), currentPages...),
			Length:   len(current),
		})
	}
	return chunks, nil
}

func containsPage(pages []int, page int) bool {
	for _, p := range pages {
		if p == page {
			return true
		}
	}
	return false
}
