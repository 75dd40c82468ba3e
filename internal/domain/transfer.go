package domain

// TransferRequest describes one native transfer attempt
type TransferRequest struct {
	URL         string
	Headers     map[string]string
	ResumeToken []byte
}

// TransferEvents receives the asynchronous outcome of a transfer.
// Exactly one of OnComplete or OnError fires per transfer.
type TransferEvents struct {
	OnProgress func(written, total int64)
	OnComplete func(tempPath string)
	OnError    func(err error)
}

// Transfer is a handle on an in-flight transfer
type Transfer interface {
	// Cancel stops the transfer and discards its partial artifact
	Cancel()

	// CancelForResume stops the transfer and reports a resume token, or nil when
	// the transfer cannot be resumed. The callback fires once, before OnError.
	CancelForResume(onToken func(token []byte))
}

// TransferEngine starts native transfers
type TransferEngine interface {
	// Start begins a transfer, resuming from req.ResumeToken when present
	Start(req TransferRequest, events TransferEvents) Transfer

	// Discard releases the artifact behind a resume token that will not be used
	Discard(token []byte)
}
