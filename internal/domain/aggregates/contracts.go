package aggregates

// WriteTxOwnership says who opens and commits the transaction around a write.
type WriteTxOwnership string

// WriteTxOwnedByAggregate: every write method runs in a transaction it opens itself.
const WriteTxOwnedByAggregate WriteTxOwnership = "aggregate_owned"

// ReadPolicy says which reads an aggregate may expose to callers.
type ReadPolicy string

// ReadPolicyInvariantScoped: the aggregate only reads what its write decisions
// need; feeds, children listings and stats stay on the table repo.
const ReadPolicyInvariantScoped ReadPolicy = "invariant_scoped_reads"

// Contract documents the write boundary an aggregate implementation promises.
type Contract struct {
	Name             string
	WriteTxOwnership WriteTxOwnership
	ReadPolicy       ReadPolicy
	Notes            string
}

type Aggregate interface {
	Contract() Contract
}
