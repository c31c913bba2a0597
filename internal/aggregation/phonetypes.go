package aggregation

// DefaultExcludedPhoneTypes are phone type labels, as entered in practice
// management systems, that mark a number as unable to receive texts.
// Matching is exact.
var DefaultExcludedPhoneTypes = []string{
	"# DISCONNECTED",
	"# Disconnected?",
	"# disconnected",
	"#Disconnected",
	"Business",
	"Business 2",
	"Business/Home",
	"Cell-disc",
	"Cellular - wrong number",
	"Cellular-Disconnected",
	"Cellular-disconnected",
	"Cellular-out of service",
	"CellularDISCONNECTED",
	"Confirm # Home",
	"Confirm home phone number",
	"Confirm work phone number",
	"DISCONNECTED",
	"Disconnected",
	"FAX",
	"Fax",
	"Fax #",
	"Fax Number",
	"Fax for chargeback",
	"Friend's phone",
	"Friends phone",
	"Front desk",
	"H",
	"HOME - DONT CALL",
	"HOME UNLISTED",
	"HOME disconnected",
	"HOME/WORK",
	"HONE",
	"Home & Fax #",
	"Home & Work",
	"Home & work",
	"Home (NO TEXT)",
	"Home (cell-no text)",
	"Home (disconnected)",
	"Home (no text)",
	"Home - NOT IN SERVICE",
	"Home - not in service",
	"Home BAD NUMBER",
	"Home Wrong #",
	"Home and Fax",
	"Home phone NOT IN SERVICE",
	"Home- CALL FIRST",
	"Home/Work",
	"House phone",
	"INCORRECT NUMBER",
	"Work",
	"Work phone",
	"Wrong number",
}

// DefaultExcludedOutcomes are patient outcomes that rule a patient out even
// when no other flag marks it deceased. The store list takes precedence.
var DefaultExcludedOutcomes = []string{
	"Client declined - pet died",
	"Deceased per client",
}
