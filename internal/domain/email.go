package domain

// Email is the inbound message metadata the pipeline needs before its reply
// conversation has been normalized.
type Email struct {
	ThreadID     string   `json:"thread_id"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`
	UserID       string   `json:"user_id"`
}

// EmailThread is an email plus the ordered reply exchange that followed it.
type EmailThread struct {
	ThreadID     string
	Subject      string
	Participants []string
	UserID       string
	Turns        []Turn
}
