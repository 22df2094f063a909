// internal/pipeline/csv.go
package pipeline

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
)

// CSVHeader is the first row of every export
var CSVHeader = []string{"voltage_mv", "current_ua"}

// WriteCSV writes one row per voltage/current pair. Currents are rendered with
// a fixed number of decimals so exports of the same run compare equal.
func WriteCSV(w io.Writer, voltages []int, currents []float64) error {
	points, err := Pair(voltages, currents)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, p := range points {
		row := []string{
			strconv.Itoa(p.Voltage),
			decimal.NewFromFloat(p.Current).StringFixed(currentScale),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
