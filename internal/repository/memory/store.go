// Package memory provides in-process repositories for tests and local
// development. Every repository is safe for concurrent use.
package memory

// Store bundles the in-memory repositories.
type Store struct {
	Campaigns *Campaigns
	Requests  *Requests
	Ledger    *Ledger
	Directory *Directory
	Profiles  *Profiles
}

// New creates an empty store.
func New() *Store {
	return &Store{
		Campaigns: NewCampaigns(),
		Requests:  NewRequests(),
		Ledger:    NewLedger(),
		Directory: NewDirectory(),
		Profiles:  NewProfiles(),
	}
}
