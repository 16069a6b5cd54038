package main

// Options is option of the command.
type Options struct {
	Input     []string `short:"i" long:"input" description:"Input image file path, repeatable"`
	ModelName string   `short:"m" long:"model" description:"Path of the safetensors weights (overrides model_path)"`
	Scale     int      `short:"s" long:"scale" description:"Trained scale of the model: 1, 2 or 4"`
	Outscale  float64  `long:"outscale" description:"Final upsampling factor"`
	Tile      int      `short:"t" long:"tile" description:"Tile size, 0 disables tiling"`
	CPU       int      `short:"c" long:"cpu" description:"The number of CPUs used to calcurate"`
	Workers   int      `short:"w" long:"workers" default:"2" description:"Images decoded and encoded in parallel"`
	Config    string   `long:"config" description:"Path of a yaml config file"`
	EnvFile   string   `long:"env-file" default:".env" description:"Path of a dotenv file"`
	Serve     bool     `long:"serve" description:"Run the HTTP server instead of processing inputs"`
}
