package formatters

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// ParquetFile is a read-only view of a built artifact
type ParquetFile struct {
	file   *parquet.File
	closer io.Closer
	size   int64
}

// OpenParquetFile opens a local artifact. os.File already satisfies
// io.ReaderAt so nothing is buffered in memory.
func OpenParquetFile(path string) (*ParquetFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return OpenParquet(f, stat.Size(), f)
}

// OpenParquet opens Parquet data from any ReaderAt. closer may be nil.
func OpenParquet(r io.ReaderAt, size int64, closer io.Closer) (*ParquetFile, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	return &ParquetFile{file: file, closer: closer, size: size}, nil
}

// NumRows returns the total row count recorded in the footer
func (p *ParquetFile) NumRows() int64 {
	return p.file.NumRows()
}

// Size returns the file size in bytes
func (p *ParquetFile) Size() int64 {
	return p.size
}

// NumRowGroups returns how many row groups the file holds
func (p *ParquetFile) NumRowGroups() int {
	return len(p.file.RowGroups())
}

// ParquetColumnInfo describes one leaf column of an artifact
type ParquetColumnInfo struct {
	Name        string
	Type        string
	Compression string
}

// Columns lists leaf columns with their physical type and codec
func (p *ParquetFile) Columns() []ParquetColumnInfo {
	var columns []ParquetColumnInfo
	codecs := make(map[int]string)

	metadata := p.file.Metadata()
	if len(metadata.RowGroups) > 0 {
		for i, chunk := range metadata.RowGroups[0].Columns {
			codecs[i] = chunk.MetaData.Codec.String()
		}
	}

	for i, path := range p.file.Schema().Columns() {
		if len(path) == 0 {
			continue
		}
		leaf, _ := p.file.Schema().Lookup(path...)
		typeName := ""
		if leaf.Node != nil {
			typeName = leaf.Node.Type().String()
		}
		columns = append(columns, ParquetColumnInfo{
			Name:        path[len(path)-1],
			Type:        typeName,
			Compression: codecs[i],
		})
	}
	return columns
}

// ReadRows reads up to maxRows rows (0 = all) in file order
func (p *ParquetFile) ReadRows(maxRows int) ([]map[string]any, error) {
	var rows []map[string]any

	columnPaths := p.file.Schema().Columns()
	columnNames := make([]string, len(columnPaths))
	for i, path := range columnPaths {
		if len(path) > 0 {
			columnNames[i] = path[len(path)-1]
		}
	}

	for _, rowGroup := range p.file.RowGroups() {
		if maxRows > 0 && len(rows) >= maxRows {
			break
		}

		groupRows, err := readRowGroup(rowGroup, columnNames, maxRows-len(rows), maxRows > 0)
		if err != nil {
			return nil, err
		}
		rows = append(rows, groupRows...)
	}

	return rows, nil
}

func readRowGroup(rowGroup parquet.RowGroup, columnNames []string, remaining int, limited bool) ([]map[string]any, error) {
	var rows []map[string]any

	rowReader := rowGroup.Rows()
	defer rowReader.Close()

	batch := make([]parquet.Row, 1000)
	for {
		if limited && len(rows) >= remaining {
			break
		}

		n, err := rowReader.ReadRows(batch)
		for i := 0; i < n; i++ {
			if limited && len(rows) >= remaining {
				break
			}
			rows = append(rows, rowToMap(batch[i], columnNames))
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
		if err == io.EOF || n == 0 {
			break
		}
	}

	return rows, nil
}

func rowToMap(row parquet.Row, columnNames []string) map[string]any {
	out := make(map[string]any, len(columnNames))
	for _, val := range row {
		idx := val.Column()
		if idx < 0 || idx >= len(columnNames) {
			continue
		}
		name := columnNames[idx]

		if val.IsNull() {
			out[name] = nil
			continue
		}

		switch val.Kind() {
		case parquet.Boolean:
			out[name] = val.Boolean()
		case parquet.Int32:
			out[name] = val.Int32()
		case parquet.Int64:
			out[name] = val.Int64()
		case parquet.Float:
			out[name] = val.Float()
		case parquet.Double:
			out[name] = val.Double()
		default:
			out[name] = string(val.ByteArray())
		}
	}
	return out
}

// Close releases the underlying file
func (p *ParquetFile) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
