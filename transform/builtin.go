package transform

// AdtA01ToPatientRule is the name of the built-in admission-to-Patient
// mapping.
const AdtA01ToPatientRule = "hl7v2-adt-a01-to-fhir-patient"

// builtinRules are registered into every new registry created through
// NewRegistryWithBuiltins. Deployments extend or replace them via
// config.
var builtinRules = []*Rule{
	{
		Name:              AdtA01ToPatientRule,
		SourceFormat:      FormatHL7v2,
		SourceMessageType: "ADT_A01",
		TargetFormat:      FormatFHIR,
		TargetMessageType: "Patient",
		Mapping: map[string]any{
			"resourceType": "Patient",
			"identifier": []any{
				map[string]any{"value": "{{PID.3.1 | default('unknown')}}"},
			},
			"name": []any{
				map[string]any{
					"family": "{{PID.5.1}}",
					"given":  []any{"{{PID.5.2}}"},
				},
			},
			"birthDate": "{{PID.7 | date('%Y-%m-%d')}}",
			"gender":    "{% if PID.8 == 'M' %}male{% elif PID.8 == 'F' %}female{% else %}unknown{% endif %}",
		},
	},
	{
		Name:              "fhir-patient-to-hl7v2-adt-a01",
		SourceFormat:      FormatFHIR,
		SourceMessageType: "Patient",
		TargetFormat:      FormatHL7v2,
		TargetMessageType: "ADT_A01",
		Mapping: map[string]any{
			"segments": []any{
				map[string]any{"MSH": []any{
					"^~\\&", "CADUCEUS", "CADUCEUS", "", "", "", "",
					"ADT^A01", "{{id | default('0')}}", "P", "2.5.1",
				}},
				map[string]any{"PID": []any{
					"1", "", "{{identifier.0.value}}", "",
					"{{name.0.family}}^{{name.0.given.0}}", "",
					"{{birthDate | date('%Y%m%d')}}",
					"{% if gender == 'male' %}M{% elif gender == 'female' %}F{% else %}U{% endif %}",
				}},
			},
		},
	},
}

// NewRegistryWithBuiltins creates a registry preloaded with the
// built-in rules.
func NewRegistryWithBuiltins() (*Registry, error) {
	reg := NewRegistry()
	for _, r := range builtinRules {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
