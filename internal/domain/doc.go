// Package domain models WIS2 data notifications and the observation records
// decoded from the data they reference.
//
// # Data Source
//
// Notifications arrive over MQTT from a WIS2 Global Broker (for example
// globalbroker.meteo.fr). Each message is a WIS2 Notification Message: a JSON
// document carrying a message id, a data_id, an optional integrity block
// (hash method + base64 digest), and one or more download links. The linked
// files are binary BUFR bulletins containing surface or upper-air weather
// observations.
//
// # Link Roles
//
// A notification may carry two download link roles:
//
//	"canonical"  the original publication of the data
//	"update"     a re-publication superseding an earlier canonical link
//
// When an update link is present it must be preferred and the local copy
// re-downloaded even if a file already exists under the same name.
//
// # Observation Model
//
// Decoded features are normalized into the WCCDM observation shape: a point
// location, a phenomenon time interval, a result time, and a result that is
// either a numeric measurement (value, units, uncertainty) or a categorical
// value (code-table or bit-flag entry). Every reference-style property
// (host, observer, observation type, observed property, observing procedure,
// report type, report identifier, units, code table, dataset) is stored as a
// small integer surrogate key resolved from its URI, never as the URI itself.
//
// The observation type discriminator URIs follow OGC O&M 2.0:
//
//	OM_Measurement          numeric results
//	OM_CategoryObservation  coded results
//
// # Construction
//
// ObservationRecord values are produced through ObservationBuilder, which
// validates geometry and required identifiers and returns a *BuildError
// rather than letting a half-populated record reach storage.
package domain
