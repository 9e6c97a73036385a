package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Valstan/MatricaRMZ-sub000/internal/httpx"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/session"
)

// Replicator pages the server's block feed into the local ledger store.
type Replicator struct {
	store     *Store
	gateway   *session.Gateway
	apiBase   string
	pageLimit int
}

// NewReplicator creates a Replicator.
func NewReplicator(store *Store, gateway *session.Gateway, apiBase string) *Replicator {
	return &Replicator{store: store, gateway: gateway, apiBase: apiBase, pageLimit: 100}
}

type blocksResponse struct {
	OK         bool    `json:"ok"`
	LastHeight int64   `json:"last_height"`
	Blocks     []Block `json:"blocks"`
}

// Replicate pages blocks from the locally-recorded last height. It stops
// when a page is empty, the server-reported last height stalls across a
// page, or an append fails. State is never partially rewound; a failed
// cycle simply resumes from the same height next time.
func (r *Replicator) Replicate(ctx context.Context) error {
	since, err := r.store.LastHeight()
	if err != nil {
		return err
	}

	appended := 0
	for {
		prevSince := since
		q := url.Values{}
		q.Set("since", fmt.Sprintf("%d", since))
		q.Set("limit", fmt.Sprintf("%d", r.pageLimit))

		var page blocksResponse
		_, err := r.gateway.DoJSON(ctx, httpx.Request{
			Method: http.MethodGet,
			URL:    r.apiBase + "/ledger/blocks?" + q.Encode(),
		}, httpx.Options{
			Attempts:  3,
			Timeout:   60 * time.Second,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  10 * time.Second,
		}, &page)
		if err != nil {
			logging.Warn("Ledger page fetch failed, halting replication for this cycle",
				map[string]interface{}{"since": since, "error": err.Error()})
			return err
		}
		if len(page.Blocks) == 0 {
			break
		}

		for _, b := range page.Blocks {
			if err := r.store.AppendRemoteBlock(b); err != nil {
				logging.Error("Ledger append failed, halting replication for this cycle", err,
					map[string]interface{}{"height": b.Height})
				return err
			}
			since = b.Height
			appended++
		}
		if since >= page.LastHeight {
			break
		}
		// A page that moved nothing forward while the server claims more
		// remains would loop forever; halt and resume next cycle.
		if since == prevSince {
			logging.Warn("Ledger feed stalled, halting replication for this cycle",
				map[string]interface{}{"last_height": page.LastHeight, "since": since})
			break
		}
	}

	if appended > 0 {
		logging.Info("Ledger replication complete", map[string]interface{}{
			"appended": appended, "height": since,
		})
	}
	return nil
}
