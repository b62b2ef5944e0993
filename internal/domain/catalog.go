package domain

// AvatarConfig is what a renderer needs to present a script.
// Clips uses PresenterID; expressives uses AvatarID and SentimentID.
type AvatarConfig struct {
	Key         string
	PresenterID string
	AvatarID    string
	SentimentID string
	VoiceID     string
}

// ModelCost tags a model as free or paid on the catalog.
type ModelCost string

const (
	ModelCostFree ModelCost = "free"
	ModelCostPaid ModelCost = "paid"
)

// ModelInfo is one entry of the script model catalog.
type ModelInfo struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Cost ModelCost `json:"cost"`
}
