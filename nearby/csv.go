package nearby

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/liambotongpower/spotplots.com/models"
)

// RenderCSV renders routes as a two column route,departures table with a header row.
func RenderCSV(routes []models.RouteDeparture) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"route", "departures"}); err != nil {
		return "", err
	}
	for _, r := range routes {
		if err := w.Write([]string{r.Route, strconv.Itoa(r.Departures)}); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
