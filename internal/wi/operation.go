package wi

// Operation identifies the kind of mutation an audit record describes, in
// module.command form. The set is closed: the ledger refuses anything else.
type Operation string

const (
	OpDatabaseProvision Operation = "connect.provision"
	OpFileEncrypt       Operation = "connect.encrypt"
	OpFileDecrypt       Operation = "connect.decrypt"
	OpSnapshotCreate    Operation = "audit.snapshot"
	OpSnapshotRestore   Operation = "audit.rollback"
	OpColumnEncrypt     Operation = "audit.encrypt-col"
	OpColumnDecrypt     Operation = "audit.decrypt-col"
	OpColumnAnonymize   Operation = "audit.anonymize"
	OpKeyGenerate       Operation = "crypto.keygen"
	OpAuthFailure       Operation = "crypto.auth-failure"
)

var operations = map[Operation]bool{
	OpDatabaseProvision: true,
	OpFileEncrypt:       true,
	OpFileDecrypt:       true,
	OpSnapshotCreate:    true,
	OpSnapshotRestore:   true,
	OpColumnEncrypt:     true,
	OpColumnDecrypt:     true,
	OpColumnAnonymize:   true,
	OpKeyGenerate:       true,
	OpAuthFailure:       true,
}

// Valid reports whether op is one of the known operation kinds.
func (op Operation) Valid() bool { return operations[op] }

func (op Operation) String() string { return string(op) }

// Status is the outcome recorded for an audited operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

func (s Status) Valid() bool { return s == StatusSuccess || s == StatusFailure }
