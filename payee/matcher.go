package payee

import "sort"

// Worker is a time-tracking user who may need a payee mapping.
type Worker struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
}

func (w Worker) Name() string {
	switch {
	case w.FirstName == "":
		return w.LastName
	case w.LastName == "":
		return w.FirstName
	}
	return w.FirstName + " " + w.LastName
}

// Contract is a payment-provider contract a worker can be paid through.
type Contract struct {
	ID          string
	Title       string
	Status      string
	WorkerName  string
	WorkerEmail string
	ExternalID  string
}

// ContractActive is the provider status of contracts that can receive payments.
const ContractActive = "in_progress"

func (c Contract) Active() bool { return c.Status == ContractActive }

// Decision is the matcher's verdict on a candidate pair.
type Decision string

const (
	DecisionAccept Decision = "auto_accept"
	DecisionReview Decision = "needs_review"
	DecisionReject Decision = "auto_reject"
)

const (
	DefaultAutoAccept = 0.85
	DefaultReview     = 0.60

	// nameAcceptScore accepts a pair on name alone, without an email match.
	nameAcceptScore = 0.95

	emailMatchWeight = 5.0
	emailMissWeight  = 0.5
	nameWeight       = 5.0
)

// Match is the scored pairing of one worker with one contract.
type Match struct {
	WorkerID   string   `json:"worker_id"`
	ContractID string   `json:"contract_id"`
	Confidence float64  `json:"confidence"`
	NameScore  float64  `json:"name_score"`
	EmailMatch bool     `json:"email_match"`
	MatchedOn  string   `json:"matched_on"`
	Decision   Decision `json:"decision"`
}

// Matcher scores workers against contracts by email equality and name
// similarity. Confidence is a weighted mean of the two signals; an email miss
// carries little weight so a strong name match alone can still reach review.
type Matcher struct {
	AutoAccept float64
	Review     float64
}

func NewMatcher(autoAccept, review float64) Matcher {
	if autoAccept <= 0 || autoAccept > 1 {
		autoAccept = DefaultAutoAccept
	}
	if review <= 0 || review > autoAccept {
		review = min(DefaultReview, autoAccept)
	}
	return Matcher{AutoAccept: autoAccept, Review: review}
}

// Score rates one worker against one contract.
func (m Matcher) Score(w Worker, c Contract) Match {
	out := Match{WorkerID: w.ID, ContractID: c.ID}

	email := normalizeEmail(w.Email)
	emailWeight := emailMissWeight
	emailSignal := 0.0
	if email != "" && email == normalizeEmail(c.WorkerEmail) {
		out.EmailMatch = true
		emailWeight = emailMatchWeight
		emailSignal = 1
	}

	name := w.Name()
	titleScore := NameSimilarity(name, c.Title)
	workerScore := NameSimilarity(name, c.WorkerName)
	out.NameScore, out.MatchedOn = titleScore, "title"
	if workerScore > titleScore {
		out.NameScore, out.MatchedOn = workerScore, "worker_name"
	}

	out.Confidence = (emailSignal*emailWeight + out.NameScore*nameWeight) / (emailWeight + nameWeight)

	switch {
	case out.NameScore >= nameAcceptScore, out.Confidence >= m.AutoAccept:
		out.Decision = DecisionAccept
	case out.Confidence >= m.Review:
		out.Decision = DecisionReview
	default:
		out.Decision = DecisionReject
	}
	return out
}

// Best returns the highest-confidence match among active contracts, or false
// when nothing clears the review threshold.
func (m Matcher) Best(w Worker, contracts []Contract) (Match, bool) {
	var matches []Match
	for _, c := range contracts {
		if c.Active() {
			matches = append(matches, m.Score(w, c))
		}
	}
	if len(matches) == 0 {
		return Match{}, false
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	if matches[0].Decision == DecisionReject {
		return Match{}, false
	}
	return matches[0], true
}
