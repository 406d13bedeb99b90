package bmfmc

import "gonum.org/v1/gonum/mat"

// Output is the result of a run. Fields that were not computed are nil and
// encode as null.
type Output struct {
	ZMC           [][]float64 `json:"Z_mc"`
	MFMC          []float64   `json:"m_f_mc"`
	VarYMC        []float64   `json:"var_y_mc"`
	YPDFSupport   []float64   `json:"y_pdf_support"`
	PYHFMean      []float64   `json:"p_yhf_mean"`
	PYHFVar       []float64   `json:"p_yhf_var"`
	PYHFMeanBMFMC []float64   `json:"p_yhf_mean_BMFMC"`
	PYHFVarBMFMC  []float64   `json:"p_yhf_var_BMFMC"`
	PYLFMC        []float64   `json:"p_ylf_mc"`
	PYHFMC        []float64   `json:"p_yhf_mc"`
	ZTrain        [][]float64 `json:"Z_train"`
	XTrain        [][]float64 `json:"X_train"`
	YHFTrain      []float64   `json:"Y_HF_train"`

	FMeanTrain     []float64      `json:"f_mean_train"`
	FeatureRanking []float64      `json:"feature_ranking"`
	ErrorMeasures  *ErrorMeasures `json:"error_measures"`
}

// ErrorMeasures of the mapping on its training data.
type ErrorMeasures struct {
	Training        map[string]float64 `json:"training"`
	CrossValidation map[string]float64 `json:"cross_validation,omitempty"`
}

func denseRows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return rows
}
