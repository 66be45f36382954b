package checkpoint

import "github.com/hupe1980/chunkdiff/model"

// Column identifies what a checkpoint tracks.
type Column struct {
	ID          model.ColumnID
	Kind        model.Kind
	Size        uint32
	PayloadSize uint32
	TypeName    string
}

// ColumnFromInfo derives the checkpoint identity of a column.
func ColumnFromInfo(c model.ColumnInfo) Column {
	return Column{
		ID:          c.ID,
		Kind:        c.Kind,
		Size:        uint32(c.Size),
		PayloadSize: uint32(c.PayloadSize()),
		TypeName:    c.TypeName(),
	}
}

// Entry is one live shadow entry.
type Entry struct {
	Seq           model.ChunkSeq
	Slot          int32
	Capacity      uint32
	LayoutVersion uint64
	ColumnVersion uint64
	Records       []model.RecordID
	Payload       []byte
}

// Image is a complete, self-contained copy of a shadow table.
type Image struct {
	Column  Column
	Keys    []uint64
	Free    []int32
	Entries []Entry
}

// RecordCount returns the number of retained records.
func (img *Image) RecordCount() int {
	n := 0
	for i := range img.Entries {
		n += len(img.Entries[i].Records)
	}
	return n
}

// PayloadBytes returns the number of retained payload bytes.
func (img *Image) PayloadBytes() int {
	n := 0
	for i := range img.Entries {
		n += len(img.Entries[i].Payload)
	}
	return n
}
