// Package schema validates decoded message payloads before a worker runs.
//
// A Schema describes the JSON object a queue carries, in a small subset of
// JSON Schema: property types, required fields, string length, numeric
// bounds, enums, patterns and a few formats. A Validator checks every element
// of a payload decoded with serialization.JSON() and plugs into the worker's
// chain through interceptors.NewValidationInterceptor.
//
//	v, err := schema.NewValidator(&schema.Schema{
//	    Name:     "ImageUploaded",
//	    Required: []string{"bucket", "key"},
//	    Properties: map[string]*schema.Property{
//	        "bucket": {Type: schema.TypeString},
//	        "key":    {Type: schema.TypeString, MinLength: schema.Int(1)},
//	        "size":   {Type: schema.TypeInteger, Minimum: schema.Float(0)},
//	    },
//	})
//	chain.Add(interceptors.NewValidationInterceptor(v))
package schema
