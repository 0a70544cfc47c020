package reconciler

import "strings"

// ianaPrefix is the registry URI prefix for media-type format references.
const ianaPrefix = "https://www.iana.org/assignments/media-types/"

// edamMediaTypes maps the EDAM format terms the engine recognizes to their
// media types. Unknown terms fall back to the raw URI tail.
var edamMediaTypes = map[string]string{
	"format_1915": "text/plain",
	"format_2330": "text/plain",
	"format_2333": "application/octet-stream",
	"format_3464": "application/json",
	"format_3750": "application/x-yaml",
	"format_3752": "text/csv",
	"format_3591": "image/tiff",
	"format_3650": "application/x-netcdf",
	"format_3857": "application/zip",
	"format_3475": "text/tab-separated-values",
}

// extensionMediaTypes backs media-type inference from URL extensions.
var extensionMediaTypes = map[string]string{
	".txt":     "text/plain",
	".json":    "application/json",
	".geojson": "application/geo+json",
	".yaml":    "application/x-yaml",
	".yml":     "application/x-yaml",
	".xml":     "application/xml",
	".csv":     "text/csv",
	".tsv":     "text/tab-separated-values",
	".tif":     "image/tiff",
	".tiff":    "image/tiff",
	".nc":      "application/x-netcdf",
	".zip":     "application/zip",
	".gz":      "application/gzip",
	".html":    "text/html",
	".pdf":     "application/pdf",
}

// MediaTypeFromFormat resolves an AP format reference (an EDAM term URI, an
// IANA registry URI, or a bare media type) to a media type.
func MediaTypeFromFormat(ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, ianaPrefix) {
		return strings.TrimPrefix(ref, ianaPrefix)
	}
	if strings.Contains(ref, "edamontology.org/") {
		term := ref[strings.LastIndex(ref, "/")+1:]
		if mt, ok := edamMediaTypes[term]; ok {
			return mt
		}
		return ""
	}
	if strings.Contains(ref, "/") && !strings.Contains(ref, "://") {
		return ref // already a media type
	}
	return ""
}

// MediaTypeFromExtension infers a media type from a URL or path extension.
func MediaTypeFromExtension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return extensionMediaTypes[strings.ToLower(name[idx:])]
}
