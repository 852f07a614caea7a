package imgdata

// Star is a single detected source with its photometric and morphological
// measurements. RA/Dec stay zero until a winning WCS annotates the list.
type Star struct {
	X      float64 // detector pixels
	Y      float64
	Mag    float64
	Flux   float64
	Peak   float64
	HFR    float64 // half flux radius, zero unless requested
	A      float64 // semi-major axis
	B      float64 // semi-minor axis
	Theta  float64 // orientation in degrees
	RA     float64 // decimal degrees, populated after a solve
	Dec    float64
	RAStr  string // sexagesimal forms, populated with RA/Dec
	DecStr string
}

// Background is the global background estimate produced once per extraction.
type Background struct {
	TileWidth  int
	TileHeight int
	Global     float64 // global mean
	GlobalRMS  float64 // global sigma
}

// Solution describes the plate solve result for a field.
type Solution struct {
	FieldWidth  float64 // arcmin
	FieldHeight float64 // arcmin
	RA          float64 // field center, decimal degrees in [0,360)
	Dec         float64 // field center, decimal degrees in [-90,90]
	RAStr       string
	DecStr      string
	Orientation float64 // angle from north, degrees
	PixScale    float64 // arcsec per pixel
	Parity      string  // "pos" or "neg"
	RAError     float64 // arcsec offset from the search position, when one was given
	DecError    float64
}
