package scoring

// Treatment keys.
const (
	TreatmentHollywoodSmile = "hollywood_smile"
	TreatmentAllOn4         = "all_on_4"
	TreatmentImplant        = "implant"
	TreatmentVeneers        = "veneers"
	TreatmentCrowns         = "zirconia_crowns"
	TreatmentAligners       = "aligners"
	TreatmentWhitening      = "whitening"
	TreatmentRootCanal      = "root_canal"
	TreatmentCleaning       = "cleaning"
)

// UnknownTreatmentBase applies when no treatment is known.
const UnknownTreatmentBase = 10

var treatmentBase = map[string]int{
	TreatmentHollywoodSmile: 65,
	TreatmentAllOn4:         60,
	TreatmentImplant:        55,
	TreatmentVeneers:        50,
	TreatmentCrowns:         45,
	TreatmentAligners:       40,
	TreatmentWhitening:      25,
	TreatmentRootCanal:      20,
	TreatmentCleaning:       15,
}

// treatmentSynonyms is checked in order so specific phrases win over generic ones.
var treatmentSynonyms = []struct {
	treatment string
	phrases   []string
}{
	{TreatmentHollywoodSmile, []string{"hollywood smile", "hollywood gulus", "smile makeover", "gulus tasarimi", "smile design"}},
	{TreatmentAllOn4, []string{"all on 4", "all on four", "all on 6", "allon4"}},
	{TreatmentImplant, []string{"implant"}},
	{TreatmentVeneers, []string{"veneer", "laminate", "lamina", "e max", "emax"}},
	{TreatmentCrowns, []string{"zirconia", "zirkonyum", "crown", "kuron", "kaplama"}},
	{TreatmentAligners, []string{"invisalign", "aligner", "braces", "seffaf plak", "ortodonti", "tel tedavi"}},
	{TreatmentWhitening, []string{"whitening", "beyazlatma", "bleaching"}},
	{TreatmentRootCanal, []string{"root canal", "kanal tedavi"}},
	{TreatmentCleaning, []string{"cleaning", "dis tasi", "temizlik", "scaling"}},
}

var treatmentNames = map[string]string{
	TreatmentHollywoodSmile: "Hollywood Smile",
	TreatmentAllOn4:         "All-on-4",
	TreatmentImplant:        "Dental Implant",
	TreatmentVeneers:        "Veneers",
	TreatmentCrowns:         "Zirconia Crowns",
	TreatmentAligners:       "Clear Aligners",
	TreatmentWhitening:      "Teeth Whitening",
	TreatmentRootCanal:      "Root Canal",
	TreatmentCleaning:       "Cleaning",
}

var (
	pricingPhrases     = []string{"price", "pricing", "cost", "how much", "quote", "fiyat", "ne kadar", "ucret", "kac para", "maliyet", "tutar"}
	appointmentPhrases = []string{"appointment", "book", "schedule", "consultation", "visit", "randevu", "rezervasyon", "muayene", "gorusme"}
	urgencyPhrases     = []string{"urgent", "asap", "as soon as", "today", "tomorrow", "this week", "acil", "hemen", "bugun", "yarin", "en kisa", "bu hafta"}
	documentPhrases    = []string{"photo", "picture", "x ray", "xray", "panoramic", "scan", "fotograf", "foto", "resim", "rontgen", "panoramik", "tomografi"}
	decisivePhrases    = []string{"i want", "i would like", "i d like", "ready to", "let s do", "decided", "sign me up", "istiyorum", "karar verdim", "hazirim", "yaptirmak", "baslayalim", "yaptiracagim"}
	referralPhrases    = []string{"referred", "recommended by", "my friend", "a friend", "arkadasim", "tavsiye", "onerdi", "referans"}
)

// Market tiers by E.164 country calling code.
var (
	tierOneMarkets = []string{"44", "49", "41", "1", "971", "31", "46", "47", "45", "974", "965"}
	tierTwoMarkets = []string{"33", "39", "34", "43", "32", "353", "61", "966", "973", "968"}
)

const (
	pointsPricing     = 15
	pointsAppointment = 20
	pointsUrgency     = 10
	pointsDocuments   = 10
	pointsDecisive    = 10
	pointsReferral    = 10
	pointsTierOne     = 10
	pointsTierTwo     = 5
)
