package animspec

// JSONSchema is the machine-checkable contract handed to every LLM backend.
// It mirrors the Spec struct field for field. Only scene_kind carries an enum
// here; the object kinds, actions and colors are not enumerated in the schema
// and reach the model through the llm package's system instruction instead.
const JSONSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["scene_kind", "duration_hint", "background", "objects", "steps"],
  "properties": {
    "scene_kind": {"type": "string", "enum": ["2d", "moving_camera", "3d"]},
    "duration_hint": {"type": "number", "minimum": 1, "maximum": 30},
    "background": {"type": "string"},
    "objects": {
      "type": "array",
      "minItems": 1,
      "maxItems": 50,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z][a-z0-9_]{0,31}$"},
          "kind": {"type": "string"},
          "params": {"type": "object"},
          "style": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "color": {"type": "string"},
              "stroke_width": {"type": "number", "minimum": 0, "maximum": 40},
              "fill_opacity": {"type": "number", "minimum": 0, "maximum": 1},
              "z_index": {"type": "integer"}
            }
          }
        }
      }
    },
    "steps": {
      "type": "array",
      "maxItems": 100,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["action", "target_ids", "run_time", "wait_after"],
        "properties": {
          "action": {"type": "string"},
          "target_ids": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "params": {"type": "object"},
          "run_time": {"type": "number", "minimum": 0.1, "maximum": 10},
          "wait_after": {"type": "number", "minimum": 0, "maximum": 5}
        }
      }
    },
    "camera": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "center_x": {"type": "number"},
        "center_y": {"type": "number"},
        "zoom": {"type": "number", "minimum": 0.1, "maximum": 10},
        "phi_deg": {"type": "number"},
        "theta_deg": {"type": "number"}
      }
    }
  }
}`
