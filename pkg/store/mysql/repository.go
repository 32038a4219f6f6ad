package mysql

// Repository aggregates all MySQL repositories
type Repository struct {
	ds *Datastore

	Run          *RunRepository
	Batch        *BatchRepository
	Reassignment *ReassignmentRepository
}

// NewRepository opens dsn and builds every sub-repository
func NewRepository(dsn string) (*Repository, error) {
	ds, err := NewDatastore(dsn)
	if err != nil {
		return nil, err
	}
	return NewRepositoryWith(ds), nil
}

// NewRepositoryWith builds the repositories on an existing datastore
func NewRepositoryWith(ds *Datastore) *Repository {
	return &Repository{
		ds:           ds,
		Run:          NewRunRepository(ds),
		Batch:        NewBatchRepository(ds),
		Reassignment: NewReassignmentRepository(ds),
	}
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
