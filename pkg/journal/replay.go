package journal

// replayer folds a record stream into a RecoveryResult.
type replayer struct {
	live    map[int64]int // record ID -> index in order
	order   []Record
	deleted map[int64]bool
	pending map[int64]*PreparedTransaction
	prepOrd []int64
	maxID   int64
}

func newReplayer() *replayer {
	return &replayer{
		live:    make(map[int64]int),
		deleted: make(map[int64]bool),
		pending: make(map[int64]*PreparedTransaction),
	}
}

func (r *replayer) apply(rec Record) {
	if rec.ID > r.maxID {
		r.maxID = rec.ID
	}
	if rec.TxID > r.maxID {
		r.maxID = rec.TxID
	}

	switch rec.Type {
	case RecordAdd, RecordUpdate, RecordDelete:
		if rec.TxID == 0 {
			r.applyData(rec)
			return
		}
		tx := r.tx(rec.TxID)
		tx.Records = append(tx.Records, rec)

	case RecordPrepare:
		tx := r.tx(rec.TxID)
		if tx.Xid == nil {
			r.prepOrd = append(r.prepOrd, rec.TxID)
		}
		tx.Xid = rec.Payload
		if tx.Xid == nil {
			tx.Xid = []byte{}
		}

	case RecordCommit:
		if tx, ok := r.pending[rec.TxID]; ok {
			for _, data := range tx.Records {
				r.applyData(data)
			}
		}
		r.forget(rec.TxID)

	case RecordRollback:
		r.forget(rec.TxID)
	}
}

func (r *replayer) tx(id int64) *PreparedTransaction {
	tx, ok := r.pending[id]
	if !ok {
		tx = &PreparedTransaction{TxID: id}
		r.pending[id] = tx
	}
	return tx
}

func (r *replayer) forget(txID int64) {
	delete(r.pending, txID)
	for i, id := range r.prepOrd {
		if id == txID {
			r.prepOrd = append(r.prepOrd[:i], r.prepOrd[i+1:]...)
			break
		}
	}
}

func (r *replayer) applyData(rec Record) {
	switch rec.Type {
	case RecordAdd:
		delete(r.deleted, rec.ID)
		if idx, ok := r.live[rec.ID]; ok {
			r.order[idx].Payload = rec.Payload
			return
		}
		r.live[rec.ID] = len(r.order)
		r.order = append(r.order, Record{Type: RecordAdd, ID: rec.ID, Payload: rec.Payload})
	case RecordUpdate:
		if idx, ok := r.live[rec.ID]; ok && !r.deleted[rec.ID] {
			r.order[idx].Payload = rec.Payload
		}
	case RecordDelete:
		if _, ok := r.live[rec.ID]; ok {
			r.deleted[rec.ID] = true
		}
	}
}

func (r *replayer) result() *RecoveryResult {
	res := &RecoveryResult{MaxID: r.maxID}
	for _, rec := range r.order {
		if !r.deleted[rec.ID] {
			res.Records = append(res.Records, rec)
		}
	}
	// Transactions that never reached PREPARE were interrupted and are dropped.
	for _, id := range r.prepOrd {
		res.Prepared = append(res.Prepared, *r.pending[id])
	}
	return res
}
