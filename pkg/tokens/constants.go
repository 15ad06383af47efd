package tokens

const (
	operationCheck  = "check"
	operationCommit = "commit"
	operationGrant  = "grant"
	operationAudit  = "audit"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
