package io

import (
	"math"
	"math/rand"

	"github.com/nlpodyssey/spago/pkg/mat"
)

type DataRecord struct {
	ID       string
	Features *mat.Dense
	Label    float64
}

type DataBatch []*DataRecord

// DataSet is an index-based view over a slice of records that hands out
// fixed-size batches, either in the original order or reshuffled.
type DataSet struct {
	Data         []*DataRecord
	BatchSize    int
	Rand         *rand.Rand
	dataIndices  []int
	currentOrder []int
	currentIndex int
}

type DatasetOrder int

const (
	OriginalOrder DatasetOrder = iota
	RandomOrder
)

func (d *DataSet) ResetOrder(order DatasetOrder) {
	if d.currentOrder == nil {
		d.currentOrder = make([]int, len(d.dataIndices))
	}
	switch order {
	case OriginalOrder:
		copy(d.currentOrder, d.dataIndices)
	case RandomOrder:
		ind := d.Rand.Perm(len(d.currentOrder))
		for i := range ind {
			d.currentOrder[i] = d.dataIndices[ind[i]]
		}
	}
	d.currentIndex = 0
}

func (d *DataSet) Next() DataBatch {
	batch := make(DataBatch, 0, d.BatchSize)
	for ; d.currentIndex < len(d.currentOrder) && len(batch) < d.BatchSize; d.currentIndex++ {
		batch = append(batch, d.Data[d.currentOrder[d.currentIndex]])
	}
	return batch
}

// Batches streams one full pass in the current order. Up to workers
// batches are assembled ahead of the consumer; the order on the channel
// is always the current iteration order. The caller must drain the
// channel to completion: abandoning it mid-pass leaks the producing
// goroutine and leaves the iterator mid-epoch.
func (d *DataSet) Batches(workers int) <-chan DataBatch {
	if workers < 0 {
		workers = 0
	}
	ch := make(chan DataBatch, workers)
	go func() {
		defer close(ch)
		for {
			batch := d.Next()
			if len(batch) == 0 {
				return
			}
			ch <- batch
		}
	}()
	return ch
}

func (d *DataSet) Size() int {
	return len(d.dataIndices)
}

func NewDataSet(data []*DataRecord, batchSize int, rnd *rand.Rand) *DataSet {
	dataIndices := make([]int, len(data))
	for i := range dataIndices {
		dataIndices[i] = i
	}
	ds := &DataSet{Data: data, BatchSize: batchSize, Rand: rnd, dataIndices: dataIndices}
	ds.ResetOrder(OriginalOrder)
	return ds
}

func NewDataSetSplit(data []*DataRecord, batchSize int, rnd *rand.Rand, indices []int) *DataSet {
	ds := &DataSet{Data: data, BatchSize: batchSize, Rand: rnd, dataIndices: indices}
	ds.ResetOrder(OriginalOrder)
	return ds
}

// RandomSplit partitions the dataset into disjoint splits of the given
// sizes, drawn without replacement in shuffled order.
func (d *DataSet) RandomSplit(sizes ...int) []*DataSet {
	indices := make([]int, len(d.dataIndices))
	copy(indices, d.dataIndices)
	d.Rand.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	splits := make([]*DataSet, len(sizes))
	idx := 0
	for i := range sizes {
		splitIndices := make([]int, sizes[i])
		for j := range splitIndices {
			splitIndices[j] = indices[idx]
			idx++
		}
		splits[i] = NewDataSetSplit(d.Data, d.BatchSize, d.Rand, splitIndices)
	}
	return splits
}

// Records converts a prepared table into trainer records. Missing labels
// come through as NaN and are masked out of loss computation downstream.
func Records(t *Table) []*DataRecord {
	records := make([]*DataRecord, t.Size())
	for i := range records {
		label := math.NaN()
		if t.Labels != nil {
			label = t.Labels[i]
		}
		records[i] = &DataRecord{
			ID:       t.Index[i],
			Features: t.Features[i],
			Label:    label,
		}
	}
	return records
}
