package api

// @title corsrules API
// @version v1.0.0
// @description Manage per-origin CORS override rules, inspect the filtering engine and report tab activity.

// @host localhost:8778
// @BasePath /api
// @schemes http
